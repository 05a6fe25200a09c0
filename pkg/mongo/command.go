package mongo

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Target addresses a command: either a single "host:port" or
// "replicaSet/seedHost:port", which lets the client find the current primary.
type Target string

// HostTarget addresses a single instance.
func HostTarget(host string, port int) Target {
	return Target(net.JoinHostPort(host, strconv.Itoa(port)))
}

// ReplicaSetTarget addresses the primary of replicaSet through seed.
func ReplicaSetTarget(replicaSet, seed string) Target {
	return Target(replicaSet + "/" + seed)
}

// Split returns the replica set name (empty for a host target) and the host list.
func (t Target) Split() (replicaSet string, hosts string) {
	if rs, seed, ok := strings.Cut(string(t), "/"); ok {
		return rs, seed
	}
	return "", string(t)
}

func (t Target) String() string {
	return string(t)
}

// Command is one administrative command. Script renders it for the mongo shell.
type Command interface {
	Name() string
	Script() string
}

// ServerStatus asks whether the server accepts commands at all
type ServerStatus struct{}

func (ServerStatus) Name() string   { return "serverStatus" }
func (ServerStatus) Script() string { return "db.serverStatus()" }

// ReplSetStatus asks for the member's view of its replica set
type ReplSetStatus struct{}

func (ReplSetStatus) Name() string   { return "replSetGetStatus" }
func (ReplSetStatus) Script() string { return "rs.status()" }

// Initiate creates a replica set with Host as its only member
type Initiate struct {
	ReplicaSet string
	Host       string
}

func (Initiate) Name() string { return "replSetInitiate" }

func (c Initiate) Script() string {
	return fmt.Sprintf("rs.initiate({_id: %s, members: [{_id: 0, host: %s}]})",
		strconv.Quote(c.ReplicaSet), strconv.Quote(c.Host))
}

// AddMember adds Host to the replica set the command is sent to
type AddMember struct {
	Host string
}

func (AddMember) Name() string { return "replSetReconfig" }

func (c AddMember) Script() string {
	return fmt.Sprintf("rs.add(%s)", strconv.Quote(c.Host))
}

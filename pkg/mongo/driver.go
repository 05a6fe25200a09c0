package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	drv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"k8s.io/klog/v2"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

// DriverRunner runs administrative commands through the Go driver instead
// of the shell. Each call opens and closes its own client.
type DriverRunner struct {
	timeout time.Duration
	debug   bool
}

// NewDriverRunner creates a runner whose connections give up after timeout.
func NewDriverRunner(timeout time.Duration, debug bool) *DriverRunner {
	return &DriverRunner{timeout: timeout, debug: debug}
}

// URI builds the connection string for target: a direct connection for a
// single host, replica set discovery for "rs/seed".
func URI(target Target) string {
	rs, hosts := target.Split()
	if rs == "" {
		return fmt.Sprintf("mongodb://%s/?directConnection=true", hosts)
	}
	return fmt.Sprintf("mongodb://%s/?replicaSet=%s", hosts, rs)
}

// RunCommand sends cmd to the admin database of target over a fresh client.
func (d *DriverRunner) RunCommand(ctx context.Context, target Target, cmd Command) (*Result, error) {
	opts := options.Client().
		ApplyURI(URI(target)).
		SetConnectTimeout(d.timeout).
		SetServerSelectionTimeout(d.timeout)

	client, err := drv.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", failure.ErrDatabaseUnreachable, target, err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			klog.V(2).InfoS("Failed to disconnect", "target", target, "error", err)
		}
	}()

	if d.debug {
		klog.InfoS("Running driver command", "target", target, "command", cmd.Name())
	}

	admin := client.Database("admin")

	switch c := cmd.(type) {
	case ServerStatus:
		return d.run(ctx, admin, bson.D{{Key: "serverStatus", Value: 1}})
	case ReplSetStatus:
		return d.run(ctx, admin, bson.D{{Key: "replSetGetStatus", Value: 1}})
	case Initiate:
		return d.run(ctx, admin, bson.D{{Key: "replSetInitiate", Value: bson.D{
			{Key: "_id", Value: c.ReplicaSet},
			{Key: "members", Value: bson.A{
				bson.D{{Key: "_id", Value: 0}, {Key: "host", Value: c.Host}},
			}},
		}}})
	case AddMember:
		return d.addMember(ctx, admin, c.Host)
	default:
		return nil, fmt.Errorf("unsupported command %s", cmd.Name())
	}
}

func (d *DriverRunner) run(ctx context.Context, db *drv.Database, command bson.D) (*Result, error) {
	var doc bson.M
	err := db.RunCommand(ctx, command).Decode(&doc)
	if err == nil {
		return resultFromDoc(doc), nil
	}

	var cmdErr drv.CommandError
	if errors.As(err, &cmdErr) {
		return &Result{
			MyState: StateAbsent,
			Message: cmdErr.Message,
			Doc:     map[string]any{"ok": 0, "errmsg": cmdErr.Message, "code": cmdErr.Code, "codeName": cmdErr.Name},
		}, nil
	}

	return nil, fmt.Errorf("%w: %s: %w", failure.ErrDatabaseUnreachable, command[0].Key, err)
}

// addMember does what rs.add does in the shell: fetch the current config,
// append the host with the next free _id, bump the version and reconfigure.
func (d *DriverRunner) addMember(ctx context.Context, admin *drv.Database, host string) (*Result, error) {
	current, err := d.run(ctx, admin, bson.D{{Key: "replSetGetConfig", Value: 1}})
	if err != nil || !current.OK {
		return current, err
	}

	conf, ok := asMap(current.Doc["config"])
	if !ok {
		return &Result{
			MyState:  StateAbsent,
			ParseErr: fmt.Errorf("%w: replSetGetConfig reply has no config document", failure.ErrStructuredParse),
		}, nil
	}

	conf = withMember(conf, host)
	if d.debug {
		klog.InfoS("Reconfiguring replica set", "host", host, "version", conf["version"])
	}

	return d.run(ctx, admin, bson.D{{Key: "replSetReconfig", Value: conf}})
}

// withMember returns conf with host appended as a new member.
func withMember(conf map[string]any, host string) map[string]any {
	members, _ := conf["members"].(bson.A)

	nextID := 0
	for _, m := range members {
		mm, ok := asMap(m)
		if !ok {
			continue
		}
		if id, ok := toInt(mm["_id"]); ok && id >= nextID {
			nextID = id + 1
		}
	}

	version, _ := toInt(conf["version"])

	conf["members"] = append(members, bson.M{"_id": nextID, "host": host})
	conf["version"] = version + 1
	// replSetReconfig rejects the term reported by replSetGetConfig
	delete(conf, "term")

	return conf
}

func asMap(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case bson.M:
		return x, true
	case map[string]any:
		return x, true
	case bson.D:
		return x.Map(), true
	}
	return nil, false
}

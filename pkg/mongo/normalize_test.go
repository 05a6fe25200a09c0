package mongo

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sindef/replset-bootstrap/pkg/failure"
)

func TestNormalizeRules(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		invalidJSON bool
	}{
		{
			name:     "iso date",
			input:    `{"localTime" : ISODate("2024-03-01T10:15:00.123Z")}`,
			expected: `{"localTime" : "2024-03-01T10:15:00.123Z"}`,
		},
		{
			name:     "new date",
			input:    `{"lastHeartbeat" : new Date(1709288100000)}`,
			expected: `{"lastHeartbeat" : "1709288100000"}`,
		},
		{
			name:     "bare date",
			input:    `{"electionDate" : Date(0)}`,
			expected: `{"electionDate" : "0"}`,
		},
		{
			name:     "timestamp",
			input:    `{"ts" : Timestamp(1709288100, 3)}`,
			expected: `{"ts" : "1709288100, 3"}`,
		},
		{
			name:     "timestamp document form",
			input:    `{"ts" : Timestamp({ t: 1709288100, i: 3 })}`,
			expected: `{"ts" : "1709288100, 3"}`,
		},
		{
			name:     "object id",
			input:    `{"electionId" : ObjectId("7fffffff0000000000000001")}`,
			expected: `{"electionId" : "7fffffff0000000000000001"}`,
		},
		{
			name:     "number long quoted and bare",
			input:    `{"a" : NumberLong("9007199254740993"), "b" : NumberLong(12)}`,
			expected: `{"a" : 9007199254740993, "b" : 12}`,
		},
		{
			name:     "number int",
			input:    `{"code" : NumberInt(23)}`,
			expected: `{"code" : 23}`,
		},
		{
			name:     "bin data",
			input:    `{"hash" : BinData(0,"AAAAAAAAAAAAAAAAAAAAAAAAAAA=")}`,
			expected: `{"hash" : "AAAAAAAAAAAAAAAAAAAAAAAAAAA="}`,
		},
		{
			name:     "literal inside a string value",
			input:    `{"lastHeartbeatMessage" : "Our last optime fetched: { ts: Timestamp(1709288100, 1), t: 3 }", "ts" : Timestamp(1709288100, 1)}`,
			expected: `{"lastHeartbeatMessage" : "Our last optime fetched: { ts: Timestamp(1709288100, 1), t: 3 }", "ts" : "1709288100, 1"}`,
		},
		{
			name:     "escaped quotes inside a string value",
			input:    `{"msg" : "saw \"ISODate(\"x\")\" and NumberLong(3)", "d" : ISODate("2024-03-01T00:00:00Z")}`,
			expected: `{"msg" : "saw \"ISODate(\"x\")\" and NumberLong(3)", "d" : "2024-03-01T00:00:00Z"}`,
		},
		{
			name:        "identifier ending in a literal name",
			input:       `{"d" : myDate(5)}`,
			expected:    `{"d" : myDate(5)}`,
			invalidJSON: true,
		},
		{
			name:     "plain json untouched",
			input:    `{"ok" : 1, "set" : "rs0"}`,
			expected: `{"ok" : 1, "set" : "rs0"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
			if tt.invalidJSON {
				return
			}
			var v map[string]any
			if err := json.Unmarshal([]byte(got), &v); err != nil {
				t.Errorf("Normalized output is not JSON: %v", err)
			}
		})
	}
}

const replSetStatusOutput = `MongoDB shell version v4.4.29
connecting to: mongodb://10.0.0.3:27017/?compressors=disabled&gssapiServiceName=mongodb
Implicit session: session { "id" : UUID("0b6c0a7c-8a43-4b0e-9d8e-0d3c0a7a4e21") }
MongoDB server version: 4.4.29
{
	"set" : "rs0",
	"date" : ISODate("2024-03-01T10:15:00.123Z"),
	"myState" : 2,
	"term" : NumberLong(3),
	"members" : [
		{
			"_id" : 0,
			"name" : "10.0.0.5:27017",
			"stateStr" : "PRIMARY",
			"optime" : {
				"ts" : Timestamp(1709288100, 1),
				"t" : NumberLong(3)
			},
			"optimeDate" : ISODate("2024-03-01T10:15:00Z"),
			"electionId" : ObjectId("7fffffff0000000000000003")
		}
	],
	"ok" : 1,
	"$clusterTime" : {
		"clusterTime" : Timestamp(1709288100, 1),
		"signature" : {
			"hash" : BinData(0,"AAAAAAAAAAAAAAAAAAAAAAAAAAA="),
			"keyId" : NumberLong(0)
		}
	},
	"operationTime" : Timestamp(1709288100, 1)
}
bye
`

func TestParseOutputRoundTrip(t *testing.T) {
	res := ParseOutput([]byte(replSetStatusOutput))

	if res.ParseErr != nil {
		t.Fatalf("Unexpected parse error: %v", res.ParseErr)
	}
	if !res.OK {
		t.Error("Expected ok to be true")
	}
	if res.MyState != Secondary {
		t.Errorf("Expected myState SECONDARY, got %s", res.MyState)
	}
	if !res.Replicating() {
		t.Error("Expected result to be replicating")
	}
	if got := res.Doc["date"]; got != "2024-03-01T10:15:00.123Z" {
		t.Errorf("Expected date recovered as plain string, got %v", got)
	}
	if got := res.Doc["operationTime"]; got != "1709288100, 1" {
		t.Errorf("Expected operationTime recovered as plain string, got %v", got)
	}
}

const secondaryStatusOutput = `{
	"set" : "rs0",
	"myState" : 2,
	"members" : [
		{
			"_id" : 0,
			"name" : "10.0.0.5:27017",
			"stateStr" : "PRIMARY",
			"lastHeartbeat" : ISODate("2024-03-01T10:15:00.123Z"),
			"lastHeartbeatMessage" : "Our last optime fetched: { ts: Timestamp(1709288100, 1), t: 3 }"
		}
	],
	"ok" : 1
}
`

func TestParseOutputKeepsLiteralsInMessages(t *testing.T) {
	res := ParseOutput([]byte(secondaryStatusOutput))

	if res.ParseErr != nil {
		t.Fatalf("Unexpected parse error: %v", res.ParseErr)
	}
	if !res.Replicating() {
		t.Errorf("Expected a replicating secondary, got ok=%v state=%s", res.OK, res.MyState)
	}

	members, _ := res.Doc["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(members))
	}
	msg := members[0].(map[string]any)["lastHeartbeatMessage"]
	if msg != "Our last optime fetched: { ts: Timestamp(1709288100, 1), t: 3 }" {
		t.Errorf("Expected heartbeat message kept verbatim, got %v", msg)
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name          string
		output        string
		expectOK      bool
		expectState   MemberState
		expectMessage string
		expectParse   bool
	}{
		{
			name:        "initiate ok",
			output:      "{ \"info2\" : \"no configuration specified\", \"me\" : \"10.0.0.3:27017\", \"ok\" : 1 }\n",
			expectOK:    true,
			expectState: StateAbsent,
		},
		{
			name:          "add rejected",
			output:        `{ "ok" : 0, "errmsg" : "Found two member configurations with same host field", "code" : 103, "codeName" : "NewReplicaSetConfigurationIncompatible" }`,
			expectOK:      false,
			expectState:   StateAbsent,
			expectMessage: "Found two member configurations with same host field",
		},
		{
			name:        "not yet initialized",
			output:      `{ "ok" : 0, "errmsg" : "no replset config has been received", "code" : 94 }`,
			expectOK:    false,
			expectState: StateAbsent,
		},
		{
			name:        "recovering member",
			output:      `{ "set" : "rs0", "myState" : 3, "ok" : 1 }`,
			expectOK:    true,
			expectState: Recovering,
		},
		{
			name:        "ok as boolean",
			output:      `{ "ok" : true, "myState" : 1 }`,
			expectOK:    true,
			expectState: Primary,
		},
		{
			name:        "exception text only",
			output:      "uncaught exception: Error: couldn't add member :\n_getErrorWithCode@src/mongo/shell/utils.js:25:13\n",
			expectState: StateAbsent,
			expectParse: true,
		},
		{
			name:        "truncated document",
			output:      "{\n\t\"ok\" : 1,\n\t\"members\" : [\n}",
			expectState: StateAbsent,
			expectParse: true,
		},
		{
			name:        "empty output",
			output:      "",
			expectState: StateAbsent,
			expectParse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseOutput([]byte(tt.output))

			if tt.expectParse {
				if res.ParseErr == nil {
					t.Fatal("Expected parse error but got none")
				}
				if !errors.Is(res.ParseErr, failure.ErrStructuredParse) {
					t.Errorf("Expected ErrStructuredParse, got %v", res.ParseErr)
				}
			} else if res.ParseErr != nil {
				t.Fatalf("Unexpected parse error: %v", res.ParseErr)
			}

			if res.OK != tt.expectOK {
				t.Errorf("Expected ok %v, got %v", tt.expectOK, res.OK)
			}
			if res.MyState != tt.expectState {
				t.Errorf("Expected myState %s, got %s", tt.expectState, res.MyState)
			}
			if res.Message != tt.expectMessage {
				t.Errorf("Expected message %q, got %q", tt.expectMessage, res.Message)
			}
		})
	}
}

func TestReplicating(t *testing.T) {
	for state, expected := range map[MemberState]bool{
		StateAbsent: false,
		Startup:     false,
		Primary:     true,
		Secondary:   true,
		Recovering:  false,
		Startup2:    false,
		Arbiter:     false,
	} {
		res := &Result{OK: true, MyState: state}
		if res.Replicating() != expected {
			t.Errorf("Expected Replicating()=%v for %s", expected, state)
		}
	}
}

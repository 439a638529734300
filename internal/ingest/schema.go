package ingest

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// eventSchema validates messages arriving from agents before they touch
// the store. The schema is embedded rather than read from disk so the
// service has no deployment-time file dependency.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["timestamp", "agent_id", "direction", "src_ip", "dst_ip", "protocol"],
  "properties": {
    "timestamp": {"type": "string", "format": "date-time"},
    "agent_id": {"type": "string", "minLength": 1},
    "direction": {"enum": ["in", "out"]},
    "src_ip": {"type": "string", "minLength": 1},
    "src_port": {"type": "integer", "minimum": 0, "maximum": 65535},
    "dst_ip": {"type": "string", "minLength": 1},
    "dst_port": {"type": "integer", "minimum": 0, "maximum": 65535},
    "protocol": {"enum": ["tcp", "udp"]},
    "size_bytes": {"type": "integer", "minimum": 0},
    "software_name": {"type": "string"},
    "pid": {"type": "integer"},
    "country": {"type": "string"},
    "security_event": {"enum": ["", "blacklist_hit", "port_scan"]},
    "security_target": {"type": "string"}
  }
}`

func compileEventSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("event.json", strings.NewReader(eventSchema)); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return schema, nil
}

package protocol

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// requestSchemas maps a message type to its schema file.
var requestSchemas = map[string]string{
	TypeCreateAccount: "create_account.schema.json",
	TypeLogin:         "login.schema.json",
	TypeVerify:        "verify.schema.json",
	TypeDownload:      "download_floors.schema.json",
	TypeUpload:        "upload_floors.schema.json",
	TypeMarkSeen:      "mark_seen.schema.json",
	TypeStatistics:    "statistics.schema.json",
	TypeExport:        "export.schema.json",
}

// CompileRequestSchemas compiles the embedded request schemas. The server
// validates every incoming message against these before decoding it into a
// typed struct.
func CompileRequestSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for msgType, name := range requestSchemas {
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		compiled[msgType] = s
	}
	return compiled, nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"scalestack/internal/admin"
)

// WriteOptionHelp prints one line per option as
// <service>.<option> - <description> (default=<json>).
func WriteOptionHelp(w io.Writer, opts []admin.OptionInfo) error {
	for _, o := range opts {
		def, err := json.MarshalIndent(o.Default, "", "    ")
		if err != nil {
			return fmt.Errorf("encode default of %s.%s: %w", o.Service, o.Option, err)
		}
		if _, err := fmt.Fprintf(w, "%s.%s - %s (default=%s)\n", o.Service, o.Option, o.Description, def); err != nil {
			return err
		}
	}
	return nil
}

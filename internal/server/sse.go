package server

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/petrijr/stepflow/pkg/api"
)

func writeSSE(w io.Writer, ev api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

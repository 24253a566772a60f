package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loykin/guarderd"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printReport(w io.Writer, r guarderd.Report) {
	_, _ = fmt.Fprintf(w, "state:     %s\n", r.State)
	_, _ = fmt.Fprintf(w, "daemon:    %s\n", pidLine(r.DaemonPID, r.DaemonAlive))
	_, _ = fmt.Fprintf(w, "child:     %s\n", pidLine(r.ChildPID, r.ChildAlive))
	_, _ = fmt.Fprintf(w, "failures:  %d\n", r.Failures)
	_, _ = fmt.Fprintf(w, "spawns:    %d\n", r.Spawns)
	if r.LastExit != "" {
		_, _ = fmt.Fprintf(w, "last exit: %s\n", r.LastExit)
	}
	if !r.UpdatedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "updated:   %s\n", r.UpdatedAt.Local().Format(time.RFC3339))
	}
}

func pidLine(pid int, alive bool) string {
	switch {
	case pid == 0:
		return "-"
	case alive:
		return fmt.Sprintf("%d (alive)", pid)
	default:
		return fmt.Sprintf("%d (gone)", pid)
	}
}

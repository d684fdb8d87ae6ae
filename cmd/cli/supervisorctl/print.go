package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/journal"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

func printStatus(w io.Writer, status supervisor.Status, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}

	rows := [][2]string{
		{"ID", status.ID},
		{"STATE", string(status.State)},
		{"PID", pidString(status.PID)},
		{"INVOCATION", status.InvocationID},
		{"STARTED", startedString(status.StartedAt)},
		{"RESTARTS", fmt.Sprintf("%d", status.RestartCount)},
	}
	if status.Health != "" {
		rows = append(rows, [2]string{"HEALTH", string(status.Health)})
	}
	if status.LastExit != nil {
		exit := fmt.Sprintf("code %d", status.LastExit.Code)
		if status.LastExit.Signal != "" {
			exit = "signal " + status.LastExit.Signal
		}
		rows = append(rows, [2]string{"LAST EXIT", exit + " at " + timeString(status.LastExit.ExitedAt)})
	}
	if status.ForcedKill {
		rows = append(rows, [2]string{"FORCED KILL", "yes"})
	}
	if status.LastError != "" {
		rows = append(rows, [2]string{"LAST ERROR", status.LastError})
	}

	keyW := 0
	for _, row := range rows {
		keyW = maxInt(keyW, len(row[0]))
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%s  %s\n", pad(row[0], keyW), row[1]); err != nil {
			return err
		}
	}
	return nil
}

func printEvents(w io.Writer, entries []journal.Entry, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		for _, entry := range entries {
			line := struct {
				Time time.Time     `json:"time"`
				Type string        `json:"type"`
				Data journal.Event `json:"data"`
			}{entry.Time, entry.Event.Type(), entry.Event}
			if err := encoder.Encode(line); err != nil {
				return err
			}
		}
		return nil
	}

	for _, entry := range entries {
		data, err := json.Marshal(entry.Event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s  %s  %s\n", entry.Time.Local().Format(time.RFC3339), pad(entry.Event.Type(), 22), data); err != nil {
			return err
		}
	}
	return nil
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func startedString(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return timeString(*t)
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

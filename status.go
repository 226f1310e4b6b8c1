package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/config"
	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/sync"
	"github.com/tonimelisma/cartsync/internal/tokenfile"
)

// Daemon state labels.
const (
	daemonRunning = "running"
	daemonStopped = "stopped"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show group membership, hub reachability and sync backlog",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusReport is the --json shape of `cartsync status`.
type statusReport struct {
	Group      string                `json:"group"`
	HubURL     string                `json:"hub_url"`
	User       string                `json:"user,omitempty"`
	DeviceID   string                `json:"device_id,omitempty"`
	Online     bool                  `json:"online"`
	Daemon     string                `json:"daemon"`
	Records    map[string]int        `json:"records"`
	Queued     int                   `json:"queued"`
	NextRetry  int64                 `json:"next_retry_at,omitempty"`
	Malformed  []sync.MalformedRecord `json:"malformed,omitempty"`
	DBPath     string                `json:"db_path"`
	ConfigPath string                `json:"config_path"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, connected, func(ctx context.Context, cc *CLIContext, s *Session) error {
		rep, err := buildStatus(ctx, cc, s)
		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			return printJSON(os.Stdout, rep)
		}

		printStatusText(rep)

		return nil
	})
}

func buildStatus(ctx context.Context, cc *CLIContext, s *Session) (statusReport, error) {
	rep := statusReport{
		Group:      s.Group.String(),
		HubURL:     s.HubURL,
		User:       s.User,
		Online:     s.Online(),
		Daemon:     daemonStopped,
		Records:    map[string]int{},
		DBPath:     cc.Cfg.DBPath,
		ConfigPath: cc.Cfg.ConfigPath,
		Malformed:  s.Engine.MalformedRecords(),
	}

	creds, err := tokenfile.Load(config.CredentialsPath(cc.Cfg.DataDir))
	if err == nil {
		rep.DeviceID = creds.DeviceID
	} else if !errors.Is(err, tokenfile.ErrNotJoined) {
		return statusReport{}, err
	}

	if daemonAlive(config.PIDPath(cc.Cfg.DataDir)) {
		rep.Daemon = daemonRunning
	}

	counts, err := s.Store.CountByStatus(ctx)
	if err != nil {
		return statusReport{}, err
	}

	for st, n := range counts {
		rep.Records[string(st)] = n
	}

	if rep.Queued, err = s.Queue.Count(ctx); err != nil {
		return statusReport{}, err
	}

	next, ok, err := s.Queue.NextRetryAt(ctx)
	if err != nil {
		return statusReport{}, err
	}

	if ok {
		rep.NextRetry = next
	}

	return rep, nil
}

func printStatusText(rep statusReport) {
	hub := "offline"
	if rep.Online {
		hub = "online"
	}

	fmt.Printf("Group:    %s\n", rep.Group)
	fmt.Printf("Hub:      %s (%s)\n", orDash(rep.HubURL), hub)
	fmt.Printf("User:     %s\n", orDash(rep.User))

	if rep.DeviceID != "" {
		fmt.Printf("Device:   %s\n", rep.DeviceID)
	}

	fmt.Printf("Daemon:   %s\n", rep.Daemon)
	fmt.Printf("Records:  %d synced, %d pending, %d failed\n",
		rep.Records[string(entity.StatusSynced)],
		rep.Records[string(entity.StatusPending)],
		rep.Records[string(entity.StatusFailed)],
	)
	fmt.Printf("Queued:   %d", rep.Queued)

	if rep.NextRetry > 0 {
		fmt.Printf(" (next retry %s)", formatMillis(rep.NextRetry))
	}

	fmt.Println()

	for _, m := range rep.Malformed {
		fmt.Printf("Malformed: %s reported %d times, last: %s\n", m.Key, m.Count, m.LastError)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

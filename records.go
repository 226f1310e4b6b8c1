package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cartsync/internal/entity"
	"github.com/tonimelisma/cartsync/internal/store"
)

// withSession opens a session for a one-shot command, runs fn and closes the
// session with a bounded flush.
func withSession(cmd *cobra.Command, opts sessionOptions, fn func(ctx context.Context, cc *CLIContext, s *Session) error) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := openSession(ctx, cc, opts)
	if err != nil {
		return err
	}

	runErr := fn(ctx, cc, s)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cc.Cfg.ShutdownTimeout)
	defer cancel()

	if err := s.Close(closeCtx); err != nil {
		cc.Logger.Warn("session close", slog.String("error", err.Error()))
	}

	return runErr
}

// connected is the session option for commands that write records.
var connected = sessionOptions{Connect: true}

// resolveID expands an id prefix (as printed by ls) to the full id of one
// record of typ. Deleted records are included so tombstones can be named.
func resolveID(ctx context.Context, st *store.Store, typ entity.Type, prefix string, f store.Filter) (string, error) {
	if prefix == "" {
		return "", errors.New("empty id")
	}

	f.Type = typ
	f.IncludeDeleted = true

	recs, err := st.Query(ctx, f)
	if err != nil {
		return "", err
	}

	var matches []string

	for _, r := range recs {
		if r.ID == prefix {
			return r.ID, nil
		}

		if strings.HasPrefix(r.ID, prefix) {
			matches = append(matches, r.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no %s matches %q", strings.TrimSuffix(typ.String(), "s"), prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d %s match)", prefix, len(matches), typ)
	}
}

// syncLabel summarizes a record's sync state for tables.
func syncLabel(r entity.Record) string {
	return string(r.SyncStatus)
}

// reportDelivery tells the user whether a write reached the hub or is
// waiting in the queue.
func reportDelivery(cc *CLIContext, s *Session) {
	if s.Online() {
		return
	}

	cc.Statusf("Offline: change saved locally and queued for sync\n")
}

package pgpool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// settingsSQL returns the bit-exact statement spec §6 requires: a single
// round trip that applies every (key, value) pair in settings via
// set_config, scoped transaction-local (local=true) or session-level
// (local=false) depending on the backend.
func settingsSQL(local bool) string {
	return fmt.Sprintf(`SELECT set_config(el->>0, el->>1, %t) FROM json_array_elements($1::json) el`, local)
}

// restoreProbeSQL reads a setting's current value without raising if the
// name is unknown to this server (spec §6 "restore probe").
const restoreProbeSQL = `SELECT current_setting($1, true) as value`

// encodeSettings turns a settings map into the [[key, value], ...] JSON
// array shape json_array_elements expects.
func encodeSettings(settings map[string]string) (string, error) {
	pairs := make([][2]string, 0, len(settings))
	for k, v := range settings {
		pairs = append(pairs, [2]string{k, v})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// quoteIdent double-quotes a setting name for use in RESET, doubling any
// embedded quotes — the same escaping rule spec §6 uses for LISTEN/UNLISTEN
// channel names.
func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, name[i])
	}
	out = append(out, '"')
	return string(out)
}

// probeSettings reads the current value of every key in settings before it
// is overwritten, so a session-level backend can restore it afterward.
// A nil entry means the server reports no value set (current_setting's
// missing_ok path returned NULL) — restore should RESET rather than
// set_config back to an empty string.
func probeSettings(ctx context.Context, conn connHandle, settings map[string]string) map[string]*string {
	prior := make(map[string]*string, len(settings))
	for k := range settings {
		var v *string
		if err := conn.QueryRow(ctx, restoreProbeSQL, k).Scan(&v); err == nil {
			prior[k] = v
		} else {
			prior[k] = nil
		}
	}
	return prior
}

// restoreSettings undoes probeSettings, applied after a session-level
// envelope's callback returns (success or failure) so settings never leak
// across with_pg_client calls on a backend that can't rely on ROLLBACK to
// undo them. Failures are logged and swallowed — restoration is best effort
// cleanup, never a reason to fail a call that already succeeded or already
// failed for its own reason.
func restoreSettings(ctx context.Context, conn connHandle, prior map[string]*string, logger *logrus.Entry) {
	for k, v := range prior {
		if v == nil {
			if _, err := conn.Exec(ctx, "RESET "+quoteIdent(k)); err != nil {
				logger.WithError(err).WithField("setting", k).Warn("pgpool: failed to RESET setting during restore")
			}
			continue
		}
		payload, err := encodeSettings(map[string]string{k: *v})
		if err != nil {
			logger.WithError(err).WithField("setting", k).Warn("pgpool: failed to encode setting for restore")
			continue
		}
		if _, err := conn.Exec(ctx, settingsSQL(false), payload); err != nil {
			logger.WithError(err).WithField("setting", k).Warn("pgpool: failed to restore setting")
		}
	}
}

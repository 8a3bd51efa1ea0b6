package pgpool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestSettingsSQL_LocalFlag(t *testing.T) {
	if !strings.Contains(settingsSQL(true), "true") {
		t.Fatalf("expected local=true SQL to mention true: %s", settingsSQL(true))
	}
	if !strings.Contains(settingsSQL(false), "false") {
		t.Fatalf("expected local=false SQL to mention false: %s", settingsSQL(false))
	}
}

func TestEncodeSettings_RoundTrips(t *testing.T) {
	payload, err := encodeSettings(map[string]string{"search_path": "app"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var pairs [][2]string
	if err := json.Unmarshal([]byte(payload), &pairs); err != nil {
		t.Fatalf("encodeSettings did not produce valid JSON: %v", err)
	}
	if len(pairs) != 1 || pairs[0][0] != "search_path" || pairs[0][1] != "app" {
		t.Fatalf("unexpected pairs: %v", pairs)
	}
}

func TestQuoteIdent_EscapesEmbeddedQuotes(t *testing.T) {
	got := quoteIdent(`weird"name`)
	want := `"weird""name"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestProbeSettings_CapturesPriorValueOrNil(t *testing.T) {
	conn := newFakeConn()
	v := "10MB"
	conn.probeVals["work_mem"] = &v
	conn.probeVals["statement_timeout"] = nil

	prior := probeSettings(context.Background(), conn, map[string]string{
		"work_mem":          "64MB",
		"statement_timeout": "5s",
	})

	if prior["work_mem"] == nil || *prior["work_mem"] != "10MB" {
		t.Fatalf("expected work_mem prior value 10MB, got %v", prior["work_mem"])
	}
	if prior["statement_timeout"] != nil {
		t.Fatalf("expected nil prior value for statement_timeout, got %v", prior["statement_timeout"])
	}
}

func TestRestoreSettings_ResetsUnsetAndReappliesSet(t *testing.T) {
	conn := newFakeConn()
	prior := map[string]*string{
		"statement_timeout": nil,
	}
	v := "10MB"
	prior["work_mem"] = &v

	restoreSettings(context.Background(), conn, prior, testLogger())

	if conn.sqlCount(`RESET "statement_timeout"`) != 1 {
		t.Fatalf("expected a RESET for the unset setting, got execs: %v", conn.execs)
	}
	if conn.sqlCount(settingsSQL(false)) != 1 {
		t.Fatalf("expected one set_config restore call, got execs: %v", conn.execs)
	}
}

func TestRestoreSettings_SwallowsExecFailures(t *testing.T) {
	conn := newFakeConn()
	conn.failOnce[`RESET "broken"`] = errFake("boom")

	// Must not panic even though the underlying RESET fails.
	restoreSettings(context.Background(), conn, map[string]*string{"broken": nil}, testLogger())
}

type errFake string

func (e errFake) Error() string { return string(e) }

package preparedcache

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// stringStateCap bounds the process-global string-keyed state table (§5,
// "the LRU manager's string-key table is process-global, bounded at 100
// entries, with oldest-eviction").
const stringStateCap = 100

// Manager is the bounded, per-connection cache of server-side PREPAREd
// statements described in spec §4.4. It is safe for concurrent use; each
// connection's state is independently locked so operations on different
// connections never contend.
//
// Manager is keyed two ways, mirroring the source's weak-object-map /
// strong-string-map split:
//
//   - Object keys (*pgx.Conn, *pgxpool.Conn, *sql.Conn): state is dropped
//     automatically once the connection becomes unreachable, using
//     runtime.AddCleanup rather than an explicit release call. There is no
//     100-entry cap on this table — it self-bounds to live connections.
//   - String keys: state is tracked strongly and must be released via
//     CleanupConnection, or it is dropped by the oldest-first eviction
//     guard once more than 100 string keys are live.
type Manager struct {
	id                     string
	maxPreparedStatements  int
	logger                 *logrus.Entry

	mu           sync.Mutex
	objectStates map[any]*connState

	strMu        sync.Mutex
	strStates    map[string]*connState
	strOrder     []string // oldest first
}

// NewManager creates a Manager. id should be unique per Manager instance
// within a process; it is embedded in every minted statement name so two
// Managers sharing a server never collide. maxPreparedStatements bounds the
// per-connection LRU (0 disables caching entirely: every execute falls
// through to direct execution).
func NewManager(id string, maxPreparedStatements int, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		id:                    id,
		maxPreparedStatements: maxPreparedStatements,
		logger:                logger,
		objectStates:          make(map[any]*connState),
		strStates:             make(map[string]*connState),
	}
}

// digest returns the first 16 hex characters of MD5(text + ":" + paramCount),
// the key under which a (text, paramCount) pair is tracked. Collision risk
// at this bit-width is accepted by the spec; behavior is identical for
// non-colliding inputs regardless.
func digest(text string, paramCount int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", text, paramCount)))
	return hex.EncodeToString(sum[:])[:16]
}

// state returns (creating if necessary) the connState for key.
func (m *Manager) state(key ClientKey) *connState {
	switch k := key.(type) {
	case string:
		return m.stringState(k)
	case *pgx.Conn:
		return m.objectState(key, k)
	case *pgxpool.Conn:
		return m.objectState(key, k)
	case *sql.Conn:
		return m.objectState(key, k)
	default:
		// Unknown pointer-like key: track it strongly under its %p identity
		// rather than silently dropping cache behavior.
		return m.stringState(fmt.Sprintf("%p", k))
	}
}

func (m *Manager) objectState(key any, conn any) *connState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.objectStates[key]; ok {
		return s
	}

	s := newConnState(m.maxPreparedStatements)
	m.objectStates[key] = s

	switch c := conn.(type) {
	case *pgx.Conn:
		runtime.AddCleanup(c, m.dropObjectState, key)
	case *pgxpool.Conn:
		runtime.AddCleanup(c, m.dropObjectState, key)
	case *sql.Conn:
		runtime.AddCleanup(c, m.dropObjectState, key)
	}

	return s
}

func (m *Manager) dropObjectState(key any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objectStates, key)
}

func (m *Manager) stringState(key string) *connState {
	m.strMu.Lock()
	defer m.strMu.Unlock()

	if s, ok := m.strStates[key]; ok {
		return s
	}

	if len(m.strStates) >= stringStateCap {
		oldest := m.strOrder[0]
		m.strOrder = m.strOrder[1:]
		delete(m.strStates, oldest)
		m.logger.WithField("client_key", oldest).Debug("preparedcache: evicted oldest string-keyed connection state")
	}

	s := newConnState(m.maxPreparedStatements)
	m.strStates[key] = s
	m.strOrder = append(m.strOrder, key)
	return s
}

// ExecuteQuery runs (text, values) against executor, going through the
// prepared-statement cache when name is non-empty and values is non-empty.
// It implements the §4.4 algorithm in full: short-circuit for unnamed/
// parameterless queries, cache lookup, PREPARE-on-miss with fallback to
// direct execution if PREPARE itself fails, LRU eviction via DEALLOCATE, and
// one-shot recovery when the server reports the statement missing.
func (m *Manager) ExecuteQuery(ctx context.Context, key ClientKey, name, text string, values []any, executor Executor, arrayMode bool) (Result, error) {
	if name == "" || len(values) == 0 {
		return executor.Exec(ctx, text, values...)
	}

	// maxPreparedStatements == 0 disables caching entirely (§6): every
	// prepared entry would be evicted (and DEALLOCATEd) the instant it was
	// inserted, so EXECUTE would always target a statement the server had
	// already dropped. Skip the cache and run the query directly instead,
	// passing values through as ordinary bind parameters.
	if m.maxPreparedStatements == 0 {
		return executor.Exec(ctx, text, values...)
	}

	return m.executeNamed(ctx, m.state(key), name, text, values, executor, true)
}

func (m *Manager) executeNamed(ctx context.Context, st *connState, name, text string, values []any, executor Executor, allowRetry bool) (Result, error) {
	k := digest(text, len(values))

	st.mu.Lock()
	e := st.lookup(k)
	st.mu.Unlock()

	if e == nil {
		var err error
		e, err = m.prepare(ctx, st, k, text, len(values), executor)
		if err != nil {
			// PREPARE itself failed: downgrade to direct execution. This is
			// never fatal to the query (§4.4 step 4, §7).
			m.logger.WithError(err).WithField("digest", k).Warn("preparedcache: PREPARE failed, falling back to direct execution")
			return executor.Exec(ctx, text, values...)
		}
	}

	result, err := executor.Exec(ctx, fmt.Sprintf("EXECUTE %s(%s)", e.name, formatValues(values, arrayMode)))
	if err != nil && isDoesNotExist(err) && allowRetry {
		st.mu.Lock()
		st.forget(k)
		st.mu.Unlock()
		return m.executeNamed(ctx, st, name, text, values, executor, false)
	}
	return result, err
}

func (m *Manager) prepare(ctx context.Context, st *connState, key, text string, paramCount int, executor Executor) (*entry, error) {
	st.mu.Lock()
	name := fmt.Sprintf("%s_%s_%d", "ps", m.id, st.counter)
	st.counter++
	st.mu.Unlock()

	if _, err := executor.Exec(ctx, fmt.Sprintf("PREPARE %s AS %s", name, text)); err != nil {
		return nil, err
	}

	e := &entry{name: name, text: text, paramCount: paramCount}

	st.mu.Lock()
	evicted, hasEviction := st.insert(key, e)
	var evictedName string
	if hasEviction {
		if ev, ok := st.entries[evicted]; ok {
			evictedName = ev.name
		}
	}
	st.mu.Unlock()

	if hasEviction {
		if _, err := executor.Exec(ctx, fmt.Sprintf("DEALLOCATE %s", evictedName)); err != nil {
			m.logger.WithError(err).WithField("statement", evictedName).Warn("preparedcache: DEALLOCATE failed during eviction")
		}
		st.mu.Lock()
		st.forget(evicted)
		st.mu.Unlock()
	}

	return e, nil
}

// CleanupConnection issues DEALLOCATE for every statement still tracked
// against key and drops its state. Required for string-keyed state (which
// is never GC-reclaimed); harmless no-op for object keys whose state has
// already been dropped by the runtime.AddCleanup hook.
func (m *Manager) CleanupConnection(ctx context.Context, key ClientKey, executor Executor) {
	var st *connState
	var stringKey string
	var isString bool

	switch k := key.(type) {
	case string:
		isString = true
		stringKey = k
		m.strMu.Lock()
		st = m.strStates[k]
		m.strMu.Unlock()
	default:
		m.mu.Lock()
		st = m.objectStates[key]
		m.mu.Unlock()
	}

	if st == nil {
		return
	}

	st.mu.Lock()
	names := st.names()
	st.mu.Unlock()

	for _, name := range names {
		if _, err := executor.Exec(ctx, fmt.Sprintf("DEALLOCATE %s", name)); err != nil {
			m.logger.WithError(err).WithField("statement", name).Warn("preparedcache: DEALLOCATE failed during cleanup")
		}
	}

	if isString {
		m.strMu.Lock()
		delete(m.strStates, stringKey)
		for i, k := range m.strOrder {
			if k == stringKey {
				m.strOrder = append(m.strOrder[:i], m.strOrder[i+1:]...)
				break
			}
		}
		m.strMu.Unlock()
	} else {
		m.mu.Lock()
		delete(m.objectStates, key)
		m.mu.Unlock()
	}
}

// CleanupAll runs CleanupConnection across every string-keyed state.
// Object-keyed states are left to runtime.AddCleanup / natural GC, matching
// the spec's "object-keyed states rely on GC".
func (m *Manager) CleanupAll(ctx context.Context, executorFor func(key string) Executor) {
	m.strMu.Lock()
	keys := make([]string, len(m.strOrder))
	copy(keys, m.strOrder)
	m.strMu.Unlock()

	for _, k := range keys {
		if ex := executorFor(k); ex != nil {
			m.CleanupConnection(ctx, k, ex)
		}
	}
}

// Stats reports the current size of each backing table, for the "object
// key map cannot enumerate" limitation the spec calls out as an open
// question — this Manager can enumerate both (it does not use a literal
// Go weak-map type), but Stats only reports counts to keep that decision
// from leaking into callers that might otherwise iterate live connections.
type Stats struct {
	ObjectKeyedConnections int
	StringKeyedConnections int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	objCount := len(m.objectStates)
	m.mu.Unlock()

	m.strMu.Lock()
	strCount := len(m.strStates)
	m.strMu.Unlock()

	return Stats{ObjectKeyedConnections: objCount, StringKeyedConnections: strCount}
}

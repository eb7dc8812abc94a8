// Package kernel implements the in-memory persistence facade: memories,
// leases, config snapshots, orchestrator job mirrors, and contributions.
// The store shape (RWMutex-guarded maps, clone-before-return) follows
// registry/store/memory.Store; search ranking is hand-rolled because the
// facade is explicitly in-memory and no retrieval-pack library offers
// small-corpus lexical/vector search.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arw-run/arw/internal/apierr"
)

// Memory is a single stored memory item.
type Memory struct {
	ID        string          `json:"id"`
	Lane      string          `json:"lane"`
	Text      string          `json:"text"`
	Tags      []string        `json:"tags,omitempty"`
	Keywords  []string        `json:"keywords,omitempty"`
	Embed     []float64       `json:"embed,omitempty"`
	Hash      string          `json:"hash"`
	Extra     json.RawMessage `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Lease is a granted capability lease.
type Lease struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	TTLUntil     time.Time `json:"ttl_until"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConfigSnapshot is an immutable, id-tagged JSON blob appended to history.
type ConfigSnapshot struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrchestratorJobRecord mirrors a job's persisted state for durability and
// listing; the live authoritative copy lives in the orchestrator queue.
type OrchestratorJobRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	State     string          `json:"state"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Contribution is a recorded agent contribution used by coverage/economy
// accounting.
type Contribution struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScoredMemory pairs a Memory with its ranking score for a search result.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// Kernel is the persistence facade. All operations are safe for concurrent
// use; every accessor is serialized through the facade's own locking per
// the no-ambient-mutation design rule.
type Kernel struct {
	mu sync.RWMutex

	memories  map[string]Memory
	byHash    map[string]string // hash -> memory id
	leases    map[string]Lease
	snapshots []ConfigSnapshot
	jobs      map[string]OrchestratorJobRecord
	contribs  []Contribution

	enabled bool
}

// New constructs an empty Kernel. enabled mirrors ARW_KERNEL_ENABLE: when
// false, every operation fails fast with an "unavailable" error instead of
// silently no-op'ing.
func New(enabled bool) *Kernel {
	return &Kernel{
		memories: make(map[string]Memory),
		byHash:   make(map[string]string),
		leases:   make(map[string]Lease),
		jobs:     make(map[string]OrchestratorJobRecord),
		enabled:  enabled,
	}
}

func (k *Kernel) checkEnabled() error {
	if !k.enabled {
		return apierr.New(apierr.KindUnavailable, "kernel disabled")
	}
	return nil
}

// InsertMemory stores m, assigning an ID and content hash if absent.
func (k *Kernel) InsertMemory(_ context.Context, m Memory) (Memory, error) {
	if err := k.checkEnabled(); err != nil {
		return Memory{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Hash == "" {
		m.Hash = ContentHash(m.Lane, m.Text, m.Tags, m.Keywords)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.memories[m.ID] = m
	k.byHash[m.Hash] = m.ID
	return m, nil
}

// GetMemory returns the memory with the given id.
func (k *Kernel) GetMemory(_ context.Context, id string) (Memory, error) {
	if err := k.checkEnabled(); err != nil {
		return Memory{}, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.memories[id]
	if !ok {
		return Memory{}, apierr.New(apierr.KindNotFound, "memory not found")
	}
	return m, nil
}

// FindByHash looks up a memory by its deterministic content hash.
func (k *Kernel) FindByHash(_ context.Context, hash string) (Memory, error) {
	if err := k.checkEnabled(); err != nil {
		return Memory{}, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	id, ok := k.byHash[hash]
	if !ok {
		return Memory{}, apierr.New(apierr.KindNotFound, "memory not found")
	}
	return k.memories[id], nil
}

// ListRecent returns up to limit memories ordered newest-first.
func (k *Kernel) ListRecent(_ context.Context, lane string, limit int) ([]Memory, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()

	all := make([]Memory, 0, len(k.memories))
	for _, m := range k.memories {
		if lane != "" && m.Lane != lane {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ContentHash computes the deterministic SHA-256 content hash over a
// memory's normalized fields, used for dedup via FindByHash.
func ContentHash(lane, text string, tags, keywords []string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(lane))))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(text)))
	h.Write([]byte{0})
	sortedTags := append([]string(nil), tags...)
	sort.Strings(sortedTags)
	for _, t := range sortedTags {
		h.Write([]byte(strings.ToLower(t)))
		h.Write([]byte{0})
	}
	sortedKw := append([]string(nil), keywords...)
	sort.Strings(sortedKw)
	for _, kw := range sortedKw {
		h.Write([]byte(strings.ToLower(kw)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SearchLexical ranks memories by case-insensitive term frequency of q
// against text, tags, and keywords.
func (k *Kernel) SearchLexical(_ context.Context, q, lane string, limit int) ([]ScoredMemory, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	terms := tokenize(q)
	if len(terms) == 0 {
		return nil, nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	var results []ScoredMemory
	for _, m := range k.memories {
		if lane != "" && m.Lane != lane {
			continue
		}
		score := lexicalScore(terms, m)
		if score <= 0 {
			continue
		}
		results = append(results, ScoredMemory{Memory: m, Score: score})
	}
	sortByScoreThenRecency(results)
	return capLimit(results, limit), nil
}

// SearchVector ranks memories by cosine similarity of embed against each
// memory's embedding vector.
func (k *Kernel) SearchVector(_ context.Context, embed []float64, lane string, limit int) ([]ScoredMemory, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	if len(embed) == 0 {
		return nil, nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	var results []ScoredMemory
	for _, m := range k.memories {
		if lane != "" && m.Lane != lane {
			continue
		}
		if len(m.Embed) == 0 {
			continue
		}
		score := cosineSimilarity(embed, m.Embed)
		if score <= 0 {
			continue
		}
		results = append(results, ScoredMemory{Memory: m, Score: score})
	}
	sortByScoreThenRecency(results)
	return capLimit(results, limit), nil
}

// SelectHybrid combines normalized lexical and vector scores linearly with
// equal weights unless overridden by non-zero weights.
func (k *Kernel) SelectHybrid(ctx context.Context, q string, embed []float64, lane string, limit int, lexWeight, vecWeight float64) ([]ScoredMemory, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	if lexWeight == 0 && vecWeight == 0 {
		lexWeight, vecWeight = 0.5, 0.5
	}

	lex, err := k.SearchLexical(ctx, q, lane, 0)
	if err != nil {
		return nil, err
	}
	vec, err := k.SearchVector(ctx, embed, lane, 0)
	if err != nil {
		return nil, err
	}

	normalize(lex)
	normalize(vec)

	combined := make(map[string]*ScoredMemory, len(lex)+len(vec))
	for _, sm := range lex {
		c := sm
		c.Score *= lexWeight
		combined[sm.Memory.ID] = &c
	}
	for _, sm := range vec {
		if existing, ok := combined[sm.Memory.ID]; ok {
			existing.Score += sm.Score * vecWeight
			continue
		}
		c := sm
		c.Score *= vecWeight
		combined[sm.Memory.ID] = &c
	}

	out := make([]ScoredMemory, 0, len(combined))
	for _, sm := range combined {
		out = append(out, *sm)
	}
	sortByScoreThenRecency(out)
	return capLimit(out, limit), nil
}

// InsertLease stores a granted lease.
func (k *Kernel) InsertLease(_ context.Context, l Lease) (Lease, error) {
	if err := k.checkEnabled(); err != nil {
		return Lease{}, err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.leases[l.ID] = l
	return l, nil
}

// ListLeases returns up to limit leases ordered newest-first.
func (k *Kernel) ListLeases(_ context.Context, limit int) ([]Lease, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]Lease, 0, len(k.leases))
	for _, l := range k.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertConfigSnapshot appends an immutable config snapshot; the effective
// config is always the latest entry in history.
func (k *Kernel) InsertConfigSnapshot(_ context.Context, payload json.RawMessage) (ConfigSnapshot, error) {
	if err := k.checkEnabled(); err != nil {
		return ConfigSnapshot{}, err
	}
	snap := ConfigSnapshot{ID: uuid.NewString(), Payload: payload, CreatedAt: time.Now().UTC()}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.snapshots = append(k.snapshots, snap)
	return snap, nil
}

// LatestConfigSnapshot returns the most recently appended snapshot.
func (k *Kernel) LatestConfigSnapshot(_ context.Context) (ConfigSnapshot, error) {
	if err := k.checkEnabled(); err != nil {
		return ConfigSnapshot{}, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.snapshots) == 0 {
		return ConfigSnapshot{}, apierr.New(apierr.KindNotFound, "no config snapshot")
	}
	return k.snapshots[len(k.snapshots)-1], nil
}

// InsertOrchestratorJob mirrors a newly submitted job for durability.
func (k *Kernel) InsertOrchestratorJob(_ context.Context, j OrchestratorJobRecord) (OrchestratorJobRecord, error) {
	if err := k.checkEnabled(); err != nil {
		return OrchestratorJobRecord{}, err
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	k.mu.Lock()
	defer k.mu.Unlock()
	k.jobs[j.ID] = j
	return j, nil
}

// UpdateOrchestratorJob merges fields into the existing job mirror.
func (k *Kernel) UpdateOrchestratorJob(_ context.Context, id, state string, data json.RawMessage) (OrchestratorJobRecord, error) {
	if err := k.checkEnabled(); err != nil {
		return OrchestratorJobRecord{}, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	j, ok := k.jobs[id]
	if !ok {
		return OrchestratorJobRecord{}, apierr.New(apierr.KindNotFound, "job not found")
	}
	if state != "" {
		j.State = state
	}
	if data != nil {
		j.Data = data
	}
	j.UpdatedAt = time.Now().UTC()
	k.jobs[id] = j
	return j, nil
}

// ListOrchestratorJobs returns all mirrored jobs, optionally filtered by
// state.
func (k *Kernel) ListOrchestratorJobs(_ context.Context, state string) ([]OrchestratorJobRecord, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]OrchestratorJobRecord, 0, len(k.jobs))
	for _, j := range k.jobs {
		if state != "" && j.State != state {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InsertContribution records a contribution.
func (k *Kernel) InsertContribution(_ context.Context, c Contribution) (Contribution, error) {
	if err := k.checkEnabled(); err != nil {
		return Contribution{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.contribs = append(k.contribs, c)
	return c, nil
}

// ListContributions returns up to limit contributions newest-first,
// optionally filtered by agent.
func (k *Kernel) ListContributions(_ context.Context, agentID string, limit int) ([]Contribution, error) {
	if err := k.checkEnabled(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []Contribution
	for i := len(k.contribs) - 1; i >= 0; i-- {
		c := k.contribs[i]
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

func lexicalScore(terms []string, m Memory) float64 {
	haystack := strings.ToLower(m.Text + " " + strings.Join(m.Tags, " ") + " " + strings.Join(m.Keywords, " "))
	words := tokenize(haystack)
	if len(words) == 0 {
		return 0
	}
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}
	var score float64
	for _, t := range terms {
		score += float64(counts[t])
	}
	return score / float64(len(words))
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortByScoreThenRecency(results []ScoredMemory) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
}

func capLimit(results []ScoredMemory, limit int) []ScoredMemory {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

func normalize(results []ScoredMemory) {
	if len(results) == 0 {
		return
	}
	max := results[0].Score
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		return
	}
	for i := range results {
		results[i].Score /= max
	}
}

package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/models"
)

type stubReuseStore struct {
	ref   *models.ReuseReference
	err   error
	calls int
}

func (s *stubReuseStore) FindReusableDocument(ctx context.Context, kind models.PolicyKind, scope models.ReuseScope, excludeCOIID string) (*models.ReuseReference, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.ref == nil || s.ref.COIID == excludeCOIID || !s.ref.Scope.Equal(&scope) {
		return nil, sql.ErrNoRows
	}
	copied := *s.ref
	return &copied, nil
}

type mapCache struct {
	entries     map[string][]byte
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, pattern string) error {
	delete(c.entries, pattern)
	c.invalidated = append(c.invalidated, pattern)
	return nil
}

func nyReference() *models.ReuseReference {
	return &models.ReuseReference{
		COIID:     "coi-other",
		ProjectID: "p-other",
		Scope:     models.ReuseScope{Kind: models.ReuseScopeState, Value: "NY"},
		Document:  models.Document{URL: "https://files/wc-ny.pdf"},
		Fields:    &models.ExtractedFields{Carrier: "State Fund"},
	}
}

func wcRecord(state string) *models.COIRecord {
	record := singleRecord(state)
	record.Policies = append(record.Policies, models.PolicyLine{
		Kind:       models.PolicyWC,
		Required:   true,
		ReuseScope: models.StateScope(state),
	})
	return record
}

func TestReuseSatisfiesWCWithoutUpload(t *testing.T) {
	store := &stubReuseStore{ref: nyReference()}
	resolver := NewReuseResolver(store, nil, time.Minute, nil)
	record := wcRecord("ny")
	record.Line(models.PolicyGL).Document = doc("https://files/gl.pdf")
	record.Line(models.PolicyUmbrella).Document = doc("https://files/umbrella.pdf")

	assert.Equal(t, ReuseHit, resolver.Apply(context.Background(), record))

	line := record.Line(models.PolicyWC)
	assert.Nil(t, line.Document)
	require.NotNil(t, line.Reused)
	assert.Equal(t, "coi-other", line.Reused.COIID)

	res := NewSubmissionValidator(nil).CanAdvance(record, "broker@example.com")
	assert.True(t, res.OK)
	assert.NotContains(t, res.Missing, models.PolicyWC)
}

func TestReuseUnavailableWithoutState(t *testing.T) {
	store := &stubReuseStore{ref: nyReference()}
	resolver := NewReuseResolver(store, nil, time.Minute, nil)
	record := wcRecord("")

	assert.Equal(t, ReuseUnavailable, resolver.Apply(context.Background(), record))
	assert.Zero(t, store.calls)
	assert.Nil(t, record.Line(models.PolicyWC).Reused)
}

func TestReuseIgnoresOtherStatesAndSameRecord(t *testing.T) {
	resolver := NewReuseResolver(&stubReuseStore{ref: nyReference()}, nil, time.Minute, nil)

	assert.Equal(t, ReuseMiss, resolver.Apply(context.Background(), wcRecord("NJ")))

	same := wcRecord("NY")
	same.ID = "coi-other"
	assert.False(t, resolver.WCSatisfiedBy(same, nyReference()))
	assert.Equal(t, ReuseNotApplicable, resolver.Apply(context.Background(), singleRecord("NY")))
}

func TestExplicitUploadBeatsReuse(t *testing.T) {
	resolver := NewReuseResolver(&stubReuseStore{ref: nyReference()}, nil, time.Minute, nil)
	record := wcRecord("NY")
	require.Equal(t, ReuseHit, resolver.Apply(context.Background(), record))

	line := record.Line(models.PolicyWC)
	line.Document = doc("https://files/wc-own.pdf")
	line.Fields = &models.ExtractedFields{Carrier: "Own Carrier"}

	assert.Equal(t, ReuseUploaded, resolver.Apply(context.Background(), record))
	assert.Nil(t, line.Reused)
	assert.Equal(t, "https://files/wc-own.pdf", line.EffectiveDocument().URL)
	assert.Equal(t, "Own Carrier", line.EffectiveFields().Carrier)
}

func TestReuseUsesCacheAndDegradesOnStoreError(t *testing.T) {
	store := &stubReuseStore{ref: nyReference()}
	cache := newMapCache()
	resolver := NewReuseResolver(store, cache, time.Minute, nil)

	require.Equal(t, ReuseHit, resolver.Apply(context.Background(), wcRecord("NY")))
	require.Equal(t, ReuseHit, resolver.Apply(context.Background(), wcRecord("NY")))
	assert.Equal(t, 1, store.calls)

	resolver.Forget(context.Background(), models.StateScope("ny"))
	assert.Equal(t, []string{"coi:reuse:wc:state:NY"}, cache.invalidated)

	store.err = errors.New("connection reset")
	assert.Equal(t, ReuseMiss, resolver.Apply(context.Background(), wcRecord("NY")))
}

package casemgmt

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinker_ResponseTypeFromProductRule(t *testing.T) {
	store := NewMemoryStore()
	store.SetProductRule("prod-special", ResponseSpecial)
	s := store.Store()
	l := NewLinker(s.Links, s.Rules)
	ctx := context.Background()

	special := "prod-special"
	unknown := "prod-unknown"

	rt, err := l.ResponseTypeFor(ctx, &special)
	require.NoError(t, err)
	assert.Equal(t, ResponseSpecial, rt)

	rt, err = l.ResponseTypeFor(ctx, &unknown)
	require.NoError(t, err)
	assert.Equal(t, ResponseStandard, rt)

	rt, err = l.ResponseTypeFor(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ResponseStandard, rt)
}

func TestLinker_LinkResultOnce(t *testing.T) {
	store := NewMemoryStore()
	s := store.Store()
	l := NewLinker(s.Links, s.Rules)
	ctx := context.Background()
	caseID := uuid.New()
	r := abnormal(9, "p1", "HDL")

	linked, err := l.LinkResultToCase(ctx, caseID, r)
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = l.LinkResultToCase(ctx, caseID, r)
	require.NoError(t, err)
	assert.False(t, linked, "second link for the same result must be a no-op")

	links, err := s.Links.ListProductLinks(ctx, caseID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, int64(9), links[0].TestResultID)
	assert.Equal(t, ResponseStandard, links[0].ResponseType)
	assert.True(t, links[0].NeedsProcessing)
}

func TestLinker_LinkCaseManagerValidates(t *testing.T) {
	store := NewMemoryStore()
	s := store.Store()
	l := NewLinker(s.Links, s.Rules)

	err := l.LinkCaseManager(context.Background(), uuid.Nil, 1)
	assert.ErrorIs(t, err, ErrValidation)

	err = l.LinkCaseManager(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, ErrValidation)
}

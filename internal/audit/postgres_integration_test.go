//go:build integration

package audit

import (
	"context"
	"testing"

	"github.com/mbd888/signgate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSink_RoundTrip(t *testing.T) {
	db := testutil.PGTest(t)
	sink := NewPostgresSink(db)
	ctx := context.Background()

	require.NoError(t, Record(ctx, sink, "intent-pg", PolicyEvaluated, map[string]any{"decision": "allow"}))
	require.NoError(t, Record(ctx, sink, "intent-pg", SigningDenied, map[string]any{"passphrase": "hunter2"}))
	require.NoError(t, Record(ctx, sink, "other", TxBuilt, nil))

	events, err := sink.Query(ctx, "intent-pg")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, PolicyEvaluated, events[0].Name)
	assert.Equal(t, "allow", events[0].Payload["decision"])
	assert.NotEqual(t, "hunter2", events[1].Payload["passphrase"])
}

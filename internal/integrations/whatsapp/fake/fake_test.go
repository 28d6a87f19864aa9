package fake

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFakeSink_Send(t *testing.T) {
	f := New()
	require.NoError(t, f.Send(context.Background(), "+1555", "wamid.1", "hi"))
	sent := f.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "+1555", sent[0].RecipientHandle)
	require.Equal(t, "wamid.1", sent[0].ReplyToMessageID)
	require.Equal(t, "hi", sent[0].Text)
}

func TestFakeSink_FailWith(t *testing.T) {
	f := New().FailWith(errors.New("sink down"))
	require.Error(t, f.Send(context.Background(), "+1555", "", "hi"))
	require.Empty(t, f.Sent())
}

package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePush(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"support@example.com","historyId":784512}`))
	raw := fmt.Sprintf(`{"message":{"data":"%s","messageId":"m-1"},"subscription":"projects/x/subscriptions/y"}`, payload)

	n, err := DecodePush([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "support@example.com", n.EmailAddress)
	assert.Equal(t, "784512", n.HistoryID.String())
}

func TestDecodePushStringHistoryID(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"support@example.com","historyId":"784512"}`))
	raw := fmt.Sprintf(`{"message":{"data":"%s"}}`, payload)

	n, err := DecodePush([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "784512", n.HistoryID.String())
}

func TestDecodePushRejectsBadEnvelopes(t *testing.T) {
	_, err := DecodePush([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodePush([]byte(`{"message":{}}`))
	assert.Error(t, err)

	_, err = DecodePush([]byte(`{"message":{"data":"!!!not base64!!!"}}`))
	assert.Error(t, err)

	empty := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"a@b.c"}`))
	_, err = DecodePush([]byte(fmt.Sprintf(`{"message":{"data":"%s"}}`, empty)))
	assert.Error(t, err)
}

func TestOpenSelectsChannelByMode(t *testing.T) {
	ch, err := Open("memory", "support@example.com")
	require.NoError(t, err)
	assert.IsType(t, &Fake{}, ch)
	assert.Equal(t, "support@example.com", ch.Address())

	ch, err = Open("", "support@example.com")
	require.NoError(t, err)
	assert.IsType(t, &Fake{}, ch, "empty mode defaults to the in-memory channel")

	_, err = Open("gmail", "support@example.com")
	assert.Error(t, err)
}

func TestFakeCursorSemantics(t *testing.T) {
	f := NewFake("support@example.com")
	f.Deliver(Message{ID: "m1", ThreadID: "t1", Body: "first"})

	batch, cursor, err := f.MessagesSince(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "m1", batch[0].ID)

	// Nothing new at the advanced cursor.
	batch, cursor2, err := f.MessagesSince(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Equal(t, cursor, cursor2)

	f.Deliver(Message{ID: "m2", ThreadID: "t2", Body: "second"})
	batch, _, err = f.MessagesSince(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "m2", batch[0].ID)
}

func TestFakeReplyAndRead(t *testing.T) {
	f := NewFake("support@example.com")
	require.NoError(t, f.SendReply(context.Background(), "t1", "jane@example.com", "Re: broken item", "On its way."))
	require.Len(t, f.Sent, 1)
	assert.Equal(t, "jane@example.com", f.Sent[0].To)

	require.NoError(t, f.MarkRead(context.Background(), "m1"))
	assert.True(t, f.Read("m1"))
	assert.False(t, f.Read("m2"))
}

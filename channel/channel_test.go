package channel

import (
	"context"
	"testing"
	"time"

	"github.com/precondition/yomitan/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPipeDeliversInOrderBothWays(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(ActionChannel(CodecJSON), host.NewSender(1, 0, ""), host.Sender{}, 8)
	assert.Equal(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 32)

	for _, m := range []string{"m1", "m2", "m3"} {
		require.NoError(t, a.Send(ctx, []byte(m)))
	}
	require.NoError(t, b.Send(ctx, []byte("back")))

	for _, want := range []string{"m1", "m2", "m3"} {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	got, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
}

func TestPipeCloseIsSymmetricAndIdempotent(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(ActionChannel(CodecJSON), host.Sender{}, host.Sender{}, 4)
	require.NoError(t, a.Send(ctx, []byte("queued")))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.NoError(t, a.Close())

	select {
	case <-a.Done():
	default:
		t.Fatal("closing b did not close a")
	}

	got, err := b.Receive(ctx)
	require.NoError(t, err, "messages queued before close are delivered")
	assert.Equal(t, "queued", string(got))

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Send(ctx, []byte("late")), ErrClosed)
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	a, b := Pipe(ActionChannel(CodecJSON), host.Sender{}, host.Sender{}, 0)
	defer a.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor(`{"kind":"relay-request","targetFrameId":0}`)
	require.NoError(t, err)
	assert.Equal(t, KindRelayRequest, d.Kind)
	assert.Nil(t, d.TargetContextID)
	assert.Equal(t, 0, *d.TargetFrameID)

	d, err = ParseDescriptor(`{"kind":"action-channel","id":"abc","codec":"cbor"}`)
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, d.Codec)

	target := 5
	round, err := ParseDescriptor(RelayRequest(&target, 2).Name())
	require.NoError(t, err)
	assert.Equal(t, 5, *round.TargetContextID)
	assert.Equal(t, 2, *round.TargetFrameID)

	for _, bad := range []string{
		``,
		`"relay-request"`,
		`{"kind":"relay-request"}`,
		`{"kind":"relay-request","targetFrameId":-1}`,
		`{"kind":"action-channel"}`,
		`{"kind":"action-channel","id":"x","codec":"xml"}`,
		`{"kind":"relay-target"}`,
		`{"kind":"mystery"}`,
	} {
		_, err := ParseDescriptor(bad)
		assert.Error(t, err, bad)
	}
}

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/id"
)

func TestEncodeDecodePing(t *testing.T) {
	src := id.Random()
	stamp := &Stamp{TimestampMs: 123456, Hash: "deadbeef", Origin: src}
	pkt := Packet{Ping: &Ping{Source: src, Epoch: 7, Stamp: stamp}}

	b, err := Encode(pkt)
	require.NoError(t, err)
	require.LessOrEqual(t, len(b), MaxPacketSize)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.Ping)
	require.Equal(t, src, got.Ping.Source)
	require.Equal(t, uint64(7), got.Ping.Epoch)
	require.Equal(t, stamp.Hash, got.Ping.Stamp.Hash)
}

func TestEncodeDecodeVoteNoStamp(t *testing.T) {
	src, target := id.Random(), id.Random()
	pkt := Packet{Vote: &Vote{Source: src, Epoch: 3, Target: target}}

	b, err := Encode(pkt)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.Vote)
	require.Equal(t, target, got.Vote.Target)
	require.Nil(t, got.Vote.Stamp)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	src := id.Random()
	pkt := Packet{Pong: &Pong{Source: src, Epoch: 1, Errors: 4}}
	b, err := Encode(pkt)
	require.NoError(t, err)

	// A future sender might append fields; old readers must not reject.
	b = append(b, 0xFF, 0xFF, 0xFF)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, uint32(4), got.Pong.Errors)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{byte(tagPing)})
	require.ErrorIs(t, err, ErrTruncated)
}

package opamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testUID() InstanceUID {
	return InstanceUID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10}
}

func TestAgentToServerRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *AgentToServer
	}{
		{
			name: "minimal",
			msg:  &AgentToServer{InstanceUID: testUID(), SequenceNum: 1},
		},
		{
			name: "full status report",
			msg: &AgentToServer{
				InstanceUID: testUID(),
				SequenceNum: 42,
				AgentDescription: &AgentDescription{
					IdentifyingAttributes:    map[string]string{"service.name": "edge-collector", "host.name": "node-7"},
					NonIdentifyingAttributes: map[string]string{"os.type": "linux"},
				},
				Capabilities: 0x1FFF,
				Health:       &ComponentHealth{Healthy: true, StartTimeUnixNano: 1700000000000000000},
				EffectiveConfig: &EffectiveConfig{
					ConfigMap: map[string][]byte{"collector.yaml": []byte("receivers: {}\n")},
					Hash:      []byte{0xAA, 0xBB},
				},
				RemoteConfigStatus: &RemoteConfigStatusReport{
					LastRemoteConfigHash: []byte{0xAA, 0xBB},
					Status:               RemoteConfigStatusApplied,
				},
				Flags: 1,
			},
		},
		{
			name: "unhealthy with error",
			msg: &AgentToServer{
				InstanceUID: testUID(),
				SequenceNum: 7,
				Health:      &ComponentHealth{Healthy: false, LastError: "exporter: connection refused"},
				RemoteConfigStatus: &RemoteConfigStatusReport{
					LastRemoteConfigHash: []byte{0x01},
					Status:               RemoteConfigStatusFailed,
					ErrorMessage:         "invalid pipeline",
				},
			},
		},
		{
			name: "available components and packages",
			msg: &AgentToServer{
				InstanceUID: testUID(),
				SequenceNum: 3,
				AvailableComponents: &AvailableComponents{
					Components: map[string]string{"receiver/otlp": "0.103.0", "exporter/debug": "0.103.0"},
					Hash:       []byte{0x05},
				},
				PackageStatuses: &PackageStatuses{
					ServerProvidedAllPackagesHash: []byte{0x09},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeAgentToServer(tt.msg)
			decoded, err := DecodeAgentToServer(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)

			// Deterministic: re-encoding the decoded value reproduces
			// the exact bytes.
			assert.Equal(t, encoded, EncodeAgentToServer(decoded))
		})
	}
}

func TestServerToAgentRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *ServerToAgent
	}{
		{
			name: "capabilities only",
			msg:  &ServerToAgent{InstanceUID: testUID(), Capabilities: ServerCapabilities},
		},
		{
			name: "remote config offer",
			msg: &ServerToAgent{
				InstanceUID: testUID(),
				RemoteConfig: &RemoteConfig{
					ConfigMap:  map[string][]byte{"collector.yaml": []byte("exporters: {}\n")},
					ConfigHash: []byte{0xDE, 0xAD},
				},
				Capabilities: ServerCapabilities,
			},
		},
		{
			name: "unavailable with retry hint",
			msg: &ServerToAgent{
				InstanceUID: testUID(),
				ErrorResponse: &ErrorResponse{
					Type:            ErrorTypeUnavailable,
					ErrorMessage:    "session limit reached",
					RetryAfterNanos: 30_000_000_000,
				},
			},
		},
		{
			name: "restart command and flags",
			msg: &ServerToAgent{
				InstanceUID: testUID(),
				Flags:       ServerFlagReportFullState | ServerFlagMoreAvailable,
				Command:     &Command{Type: CommandRestart},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeServerToAgent(tt.msg)
			decoded, err := DecodeServerToAgent(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
			assert.Equal(t, encoded, EncodeServerToAgent(decoded))
		})
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	shortUID := appendBytesField(nil, a2sInstanceUID, []byte{0x01, 0x02})

	truncated := EncodeAgentToServer(&AgentToServer{InstanceUID: testUID(), SequenceNum: 5})
	truncated = truncated[:len(truncated)-1]

	badStatus := appendBytesField(nil, a2sInstanceUID, make([]byte, 16))
	badStatus = appendMessageField(badStatus, a2sRemoteConfigStatus,
		appendVarintField(nil, 2, 99))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty input", nil},
		{"missing instance_uid", appendVarintField(nil, a2sSequenceNum, 1)},
		{"short instance_uid", shortUID},
		{"truncated varint", truncated},
		{"unknown status enum", badStatus},
		{"garbage", []byte{0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeAgentToServer(tt.data)
			require.Error(t, err)
			assert.Nil(t, msg, "decode must never produce a partial record")

			var wireErr *WireFormatError
			assert.ErrorAs(t, err, &wireErr)
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	// A known message with an extra field number 999 appended must
	// decode to the same record as without it.
	base := &AgentToServer{InstanceUID: testUID(), SequenceNum: 9, Capabilities: 0x7DE7}
	encoded := EncodeAgentToServer(base)
	withUnknown := append(append([]byte(nil), encoded...),
		appendStringField(nil, protowire.Number(999), "future field")...)

	decoded, err := DecodeAgentToServer(withUnknown)
	require.NoError(t, err)
	assert.Equal(t, base, decoded)

	// Normalization: re-encoding strips the unknown field.
	assert.Equal(t, encoded, EncodeAgentToServer(decoded))
}

func TestEncodeIsDeterministicAcrossMapOrder(t *testing.T) {
	// Map iteration order is randomized in Go; two equal values must
	// still produce identical bytes.
	build := func() *AgentToServer {
		return &AgentToServer{
			InstanceUID: testUID(),
			SequenceNum: 1,
			AgentDescription: &AgentDescription{
				IdentifyingAttributes: map[string]string{
					"a": "1", "b": "2", "c": "3", "d": "4", "e": "5",
				},
			},
			EffectiveConfig: &EffectiveConfig{
				ConfigMap: map[string][]byte{
					"a.yaml": []byte("a"), "b.yaml": []byte("b"), "c.yaml": []byte("c"),
				},
			},
		}
	}
	first := EncodeAgentToServer(build())
	for i := 0; i < 16; i++ {
		assert.Equal(t, first, EncodeAgentToServer(build()))
	}
}

func TestFrameRoundTrip(t *testing.T) {
	body := EncodeAgentToServer(&AgentToServer{InstanceUID: testUID(), SequenceNum: 1})
	frame := EncodeFrame(body)

	got, err := DecodeFrame(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDecodeFrameErrors(t *testing.T) {
	body := []byte("payload")
	frame := EncodeFrame(body)

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := DecodeFrame(append(append([]byte(nil), frame...), 0x00), 0)
		var wireErr *WireFormatError
		require.ErrorAs(t, err, &wireErr)
	})

	t.Run("truncated body", func(t *testing.T) {
		_, err := DecodeFrame(frame[:len(frame)-2], 0)
		var wireErr *WireFormatError
		require.ErrorAs(t, err, &wireErr)
	})

	t.Run("size limit enforced", func(t *testing.T) {
		_, err := DecodeFrame(frame, 3)
		var wireErr *WireFormatError
		require.ErrorAs(t, err, &wireErr)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := DecodeFrame(nil, 0)
		require.Error(t, err)
	})
}

func TestInstanceUIDValidation(t *testing.T) {
	_, err := InstanceUIDFromBytes(make([]byte, 15))
	require.Error(t, err)
	_, err = InstanceUIDFromBytes(make([]byte, 17))
	require.Error(t, err)

	tu := testUID()
	uid, err := InstanceUIDFromBytes(tu[:])
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", uid.String())

	parsed, err := ParseInstanceUID(uid.String())
	require.NoError(t, err)
	assert.Equal(t, uid, parsed)
}

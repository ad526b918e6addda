package server

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/attendance-tracker/internal/roster"
)

func startGRPC(t *testing.T, f *fixture) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTrackerServiceServer(srv, NewGRPCServer(f.svc))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return NewClient(conn)
}

func TestGRPCTrackingRoundTrip(t *testing.T) {
	f := newFixture(t)
	client := startGRPC(t, f)
	ctx := context.Background()

	camera := true
	resp, err := client.StartTracking(ctx, StartRequest{Target: "tab-1", RequireCamera: &camera})
	require.NoError(t, err)
	assert.True(t, resp.Started)
	assert.Equal(t, "session-1", resp.SessionID)
	assert.True(t, f.tracker.settings.RequireCamera)

	state, err := client.GetState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Tracking)
	assert.Equal(t, "session-1", state.SessionID)
	assert.Equal(t, f.tracker.state.StartedAt, state.StartedAt.UTC())

	stop, err := client.StopTracking(ctx)
	require.NoError(t, err)
	require.True(t, stop.Stopped)
	require.NotNil(t, stop.Report)
	assert.Equal(t, 1, stop.Report.Snapshots)
	require.Len(t, stop.Report.Table.Rows, 1)
	assert.Equal(t, "Alice", stop.Report.Table.Rows[0].Name)
	assert.Equal(t, 1, stop.Report.Table.Rows[0].TotalPresent)
	assert.Contains(t, stop.Report.ExportError, "disk full")

	stop, err = client.StopTracking(ctx)
	require.NoError(t, err)
	assert.False(t, stop.Stopped)
}

func TestGRPCCaptureAndProbe(t *testing.T) {
	f := newFixture(t)
	client := startGRPC(t, f)
	ctx := context.Background()

	result, err := client.Capture(ctx, CaptureRequest{Target: "tab-1", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ParticipantCount)
	assert.Equal(t, "zoom-attendance-2025-03-10-09-00-00.json", result.Filename)

	meeting, err := client.Probe(ctx, ProbeRequest{Target: "tab-1"})
	require.NoError(t, err)
	assert.True(t, meeting.InMeeting)
	assert.Equal(t, 3, meeting.ParticipantCount)
}

func TestGRPCErrorCodes(t *testing.T) {
	f := newFixture(t)
	client := startGRPC(t, f)
	ctx := context.Background()

	_, err := client.StartTracking(ctx, StartRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	f.capturer.err = fmt.Errorf("%w: closed", roster.ErrPanelUnavailable)
	_, err = client.Capture(ctx, CaptureRequest{Target: "tab-1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, "Not in meeting. Make sure the participants panel is accessible.", status.Convert(err).Message())
}

func TestStructConversion(t *testing.T) {
	s, err := toStruct(StartRequest{Target: "tab-1"})
	require.NoError(t, err)
	assert.Equal(t, "tab-1", s.Fields["target"].GetStringValue())
	_, hasCamera := s.Fields["requireCamera"]
	assert.False(t, hasCamera)

	var back StartRequest
	require.NoError(t, fromStruct(s, &back))
	assert.Equal(t, "tab-1", back.Target)
	assert.Nil(t, back.RequireCamera)

	assert.NoError(t, fromStruct(nil, &back))
}

package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetFunctionsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := GetFunctionsResponse{Functions: map[string]string{
		"mass_storage.msd": "/config/usb_gadget/g1/functions/mass_storage.msd",
	}}
	require.NoError(t, WriteResponse(&buf, want))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSetMassStorageRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := SetMassStorageRequest{Devices: []MassStorageDevice{
		{Cdrom: true, RO: true},
		{Cdrom: false, RO: false},
	}}
	require.NoError(t, WriteRequest(&buf, want))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)

	gotReq, ok := got.(SetMassStorageRequest)
	require.True(t, ok)
	require.Equal(t, len(want.Devices), len(gotReq.Devices))
	for i := range want.Devices {
		require.Equal(t, want.Devices[i].Cdrom, gotReq.Devices[i].Cdrom)
		require.Equal(t, want.Devices[i].RO, gotReq.Devices[i].RO)
	}
}

func TestGetMassStorageResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := GetMassStorageResponse{Devices: []ActiveMassStorageDevice{
		{Path: "/proc/123/fd/4", Cdrom: false, RO: true},
	}}
	require.NoError(t, WriteResponse(&buf, want))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestErrorResponseSurfacesAsError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, ErrorResponse{Message: "boom"}))

	_, err := ReadResponse(&buf)
	require.Error(t, err)
	require.Equal(t, "boom", err.Error())
}

func TestWriteStringRejectsOversizedString(t *testing.T) {
	var buf bytes.Buffer
	huge := strings.Repeat("a", maxStringLen+1)
	err := writeString(&buf, huge)
	require.Error(t, err)
}

func TestWriteCountRejectsOversizedCollection(t *testing.T) {
	var buf bytes.Buffer
	devices := make([]MassStorageDevice, maxCollectionLen+1)
	err := SetMassStorageRequest{Devices: devices}.writeTo(&buf)
	require.Error(t, err)
}

func TestServerNegotiateRejectsVersionMismatch(t *testing.T) {
	// Simulate a client that speaks a different version: the server reads
	// it, replies with rejectByte, and returns an error.
	peer := &fakePeer{readVersion: Version + 1}
	err := ServerNegotiate(peer)
	require.Error(t, err)
	require.Equal(t, []byte{rejectByte}, peer.written.Bytes())
}

func TestClientNegotiateRejectsReject(t *testing.T) {
	// Simulate a daemon that rejects the handshake: the client writes its
	// version, reads rejectByte back, and returns an error.
	peer := &fakePeer{readVersion: rejectByte}
	err := ClientNegotiate(peer)
	require.Error(t, err)
}

func TestServerNegotiateAcceptsMatchingVersion(t *testing.T) {
	peer := &fakePeer{readVersion: Version}
	require.NoError(t, ServerNegotiate(peer))
	require.Equal(t, []byte{acceptByte}, peer.written.Bytes())
}

type fakePeer struct {
	readVersion uint8
	written     bytes.Buffer
}

func (f *fakePeer) Write(p []byte) (int, error) {
	return f.written.Write(p)
}

func (f *fakePeer) Read(p []byte) (int, error) {
	p[0] = f.readVersion
	return 1, nil
}

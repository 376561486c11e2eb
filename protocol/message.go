package protocol

import (
	"io"
	"sort"

	"github.com/pkg/errors"
)

// Message tags identify the first byte of every frame after the version
// handshake.
const (
	tagErrorResponse          uint8 = 1
	tagGetFunctionsRequest    uint8 = 2
	tagGetFunctionsResponse   uint8 = 3
	tagSetMassStorageRequest  uint8 = 4
	tagSetMassStorageResponse uint8 = 5
	tagGetMassStorageRequest  uint8 = 6
	tagGetMassStorageResponse uint8 = 7
)

// ErrorResponse carries a human-readable description of a failed request.
// It may be sent by the daemon in place of any of the success responses
// below.
type ErrorResponse struct {
	Message string
}

func (e ErrorResponse) writeTo(w io.Writer) error {
	if err := writeU8(w, tagErrorResponse); err != nil {
		return err
	}
	return writeString(w, e.Message)
}

func readErrorResponse(r io.Reader) (ErrorResponse, error) {
	msg, err := readString(r)
	return ErrorResponse{Message: msg}, err
}

func (e ErrorResponse) Error() string { return e.Message }

// GetFunctionsRequest asks the daemon to report the currently configured
// USB gadget functions and the config links that enable them. It carries
// no payload.
type GetFunctionsRequest struct{}

func (GetFunctionsRequest) writeTo(w io.Writer) error {
	return writeU8(w, tagGetFunctionsRequest)
}

// GetFunctionsResponse reports the config-link-name to function-name
// mapping currently present in the gadget's active configuration.
type GetFunctionsResponse struct {
	Functions map[string]string
}

func (g GetFunctionsResponse) writeTo(w io.Writer) error {
	if err := writeU8(w, tagGetFunctionsResponse); err != nil {
		return err
	}
	names := make([]string, 0, len(g.Functions))
	for k := range g.Functions {
		names = append(names, k)
	}
	sort.Strings(names)
	if err := writeCount(w, len(names)); err != nil {
		return err
	}
	for _, k := range names {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, g.Functions[k]); err != nil {
			return err
		}
	}
	return nil
}

func readGetFunctionsResponse(r io.Reader) (GetFunctionsResponse, error) {
	n, err := readCount(r)
	if err != nil {
		return GetFunctionsResponse{}, err
	}
	fns := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return GetFunctionsResponse{}, err
		}
		v, err := readString(r)
		if err != nil {
			return GetFunctionsResponse{}, err
		}
		fns[k] = v
	}
	return GetFunctionsResponse{Functions: fns}, nil
}

// MassStorageDevice describes one LUN to configure. Fd is not part of the
// wire encoding: it travels out of band as SCM_RIGHTS ancillary data, in
// the same order as the Devices slice of SetMassStorageRequest.
type MassStorageDevice struct {
	Fd    int
	Cdrom bool
	RO    bool
}

func (d MassStorageDevice) writeTo(w io.Writer) error {
	if err := writeBool(w, d.Cdrom); err != nil {
		return err
	}
	return writeBool(w, d.RO)
}

func readMassStorageDevice(r io.Reader) (MassStorageDevice, error) {
	cdrom, err := readBool(r)
	if err != nil {
		return MassStorageDevice{}, err
	}
	ro, err := readBool(r)
	if err != nil {
		return MassStorageDevice{}, err
	}
	return MassStorageDevice{Cdrom: cdrom, RO: ro}, nil
}

// SetMassStorageRequest replaces the daemon's entire mass-storage LUN
// configuration. An empty Devices list tears the function down entirely.
type SetMassStorageRequest struct {
	Devices []MassStorageDevice
}

func (s SetMassStorageRequest) writeTo(w io.Writer) error {
	if err := writeU8(w, tagSetMassStorageRequest); err != nil {
		return err
	}
	if err := writeCount(w, len(s.Devices)); err != nil {
		return err
	}
	for _, d := range s.Devices {
		if err := d.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func readSetMassStorageRequest(r io.Reader) (SetMassStorageRequest, error) {
	n, err := readCount(r)
	if err != nil {
		return SetMassStorageRequest{}, err
	}
	devs := make([]MassStorageDevice, 0, n)
	for i := 0; i < n; i++ {
		d, err := readMassStorageDevice(r)
		if err != nil {
			return SetMassStorageRequest{}, err
		}
		devs = append(devs, d)
	}
	return SetMassStorageRequest{Devices: devs}, nil
}

// SetMassStorageResponse acknowledges a successful SetMassStorageRequest.
// It carries no payload.
type SetMassStorageResponse struct{}

func (SetMassStorageResponse) writeTo(w io.Writer) error {
	return writeU8(w, tagSetMassStorageResponse)
}

// GetMassStorageRequest asks the daemon to report the LUNs currently
// exposed by the mass-storage function. It carries no payload.
type GetMassStorageRequest struct{}

func (GetMassStorageRequest) writeTo(w io.Writer) error {
	return writeU8(w, tagGetMassStorageRequest)
}

// ActiveMassStorageDevice reports one currently configured LUN. Unlike
// MassStorageDevice, Path identifies the backing file on disk (read back
// from the kernel's /proc/<pid>/fd/<n> symlink target) rather than an open
// descriptor, since no new fd needs to cross the socket for a read-only
// status report.
type ActiveMassStorageDevice struct {
	Path  string
	Cdrom bool
	RO    bool
}

func (d ActiveMassStorageDevice) writeTo(w io.Writer) error {
	if err := writeString(w, d.Path); err != nil {
		return err
	}
	if err := writeBool(w, d.Cdrom); err != nil {
		return err
	}
	return writeBool(w, d.RO)
}

func readActiveMassStorageDevice(r io.Reader) (ActiveMassStorageDevice, error) {
	path, err := readString(r)
	if err != nil {
		return ActiveMassStorageDevice{}, err
	}
	cdrom, err := readBool(r)
	if err != nil {
		return ActiveMassStorageDevice{}, err
	}
	ro, err := readBool(r)
	if err != nil {
		return ActiveMassStorageDevice{}, err
	}
	return ActiveMassStorageDevice{Path: path, Cdrom: cdrom, RO: ro}, nil
}

// GetMassStorageResponse reports the daemon's current LUN configuration.
type GetMassStorageResponse struct {
	Devices []ActiveMassStorageDevice
}

func (g GetMassStorageResponse) writeTo(w io.Writer) error {
	if err := writeU8(w, tagGetMassStorageResponse); err != nil {
		return err
	}
	if err := writeCount(w, len(g.Devices)); err != nil {
		return err
	}
	for _, d := range g.Devices {
		if err := d.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

func readGetMassStorageResponse(r io.Reader) (GetMassStorageResponse, error) {
	n, err := readCount(r)
	if err != nil {
		return GetMassStorageResponse{}, err
	}
	devs := make([]ActiveMassStorageDevice, 0, n)
	for i := 0; i < n; i++ {
		d, err := readActiveMassStorageDevice(r)
		if err != nil {
			return GetMassStorageResponse{}, err
		}
		devs = append(devs, d)
	}
	return GetMassStorageResponse{Devices: devs}, nil
}

// Request is any message the client may send to the daemon.
type Request interface {
	writeTo(w io.Writer) error
}

// Response is any message the daemon may send back to the client.
type Response interface {
	writeTo(w io.Writer) error
}

// WriteRequest encodes req to w.
func WriteRequest(w io.Writer, req Request) error {
	return req.writeTo(w)
}

// WriteResponse encodes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	return resp.writeTo(w)
}

// ReadRequest decodes the next request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	tag, err := readU8(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagGetFunctionsRequest:
		return GetFunctionsRequest{}, nil
	case tagSetMassStorageRequest:
		return readSetMassStorageRequest(r)
	case tagGetMassStorageRequest:
		return GetMassStorageRequest{}, nil
	default:
		return nil, errors.Errorf("unexpected request tag %d", tag)
	}
}

// ReadResponse decodes the next response frame from r. If the frame is an
// ErrorResponse, it is returned as a non-nil error rather than as a
// Response value, so callers can use plain error handling.
func ReadResponse(r io.Reader) (Response, error) {
	tag, err := readU8(r)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagErrorResponse:
		e, err := readErrorResponse(r)
		if err != nil {
			return nil, err
		}
		return nil, e
	case tagGetFunctionsResponse:
		return readGetFunctionsResponse(r)
	case tagSetMassStorageResponse:
		return SetMassStorageResponse{}, nil
	case tagGetMassStorageResponse:
		return readGetMassStorageResponse(r)
	default:
		return nil, errors.Errorf("unexpected response tag %d", tag)
	}
}

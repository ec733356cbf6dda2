// Package portal drives the xdg-desktop-portal ScreenCast interface over
// D-Bus: it turns the user's screen-picker choice into a PipeWire node id
// and an open PipeWire remote descriptor.
package portal

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	createSessionName      = screenCastIface + ".CreateSession"
	selectSourcesName      = screenCastIface + ".SelectSources"
	startName              = screenCastIface + ".Start"
	openPipeWireRemoteName = screenCastIface + ".OpenPipeWireRemote"
	sessionCloseName       = sessionIface + ".Close"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

// ErrCursorModeUnsupported reports that the portal backend does not
// advertise the requested cursor mode.
var ErrCursorModeUnsupported = errors.New("cursor mode is not supported by the portal backend")

// Stream is one screen stream granted by the portal.
type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// Session is an open portal screencast session.
type Session struct {
	path  dbus.ObjectPath
	token string
}

// SelectSourcesOptions configures which sources the portal offers in its
// picker and how the granted stream behaves.
type SelectSourcesOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

// AvailableSourceTypes returns the source-type bitmask the portal backend
// supports.
func AvailableSourceTypes() (uint32, error) {
	return getUint32Property(screenCastIface, "AvailableSourceTypes")
}

// AvailableCursorModes returns the cursor-mode bitmask the portal backend
// supports.
func AvailableCursorModes() (uint32, error) {
	return getUint32Property(screenCastIface, "AvailableCursorModes")
}

// Version returns the portal's ScreenCast interface version.
func Version() (uint32, error) {
	return getUint32Property(screenCastIface, "version")
}

// NewSession opens a screencast session. A nil session with nil error
// means the user cancelled.
func NewSession() (*Session, error) {
	token := generateToken()
	data := map[string]dbus.Variant{
		"session_handle_token": variantString(token),
	}

	result, err := call(createSessionName, data)
	if err != nil {
		return nil, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("CreateSession returned unexpected type %T", result)
	}

	status, results, err := waitResponse(requestPath)
	if err != nil {
		return nil, err
	} else if status >= statusCancelled {
		return nil, nil
	}

	handle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	sessionPath, ok := handle.Value().(string)
	if !ok {
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", handle.Value())
	}

	return &Session{path: dbus.ObjectPath(sessionPath), token: token}, nil
}

// SelectSources tells the portal which source kinds to offer. The cursor
// mode is validated against the backend's advertised modes first so an
// unsupported mode fails here rather than as a silent downgrade.
func (s *Session) SelectSources(options SelectSourcesOptions) error {
	if options.CursorMode != 0 {
		modes, err := AvailableCursorModes()
		if err != nil {
			return err
		}
		if modes&options.CursorMode == 0 {
			return fmt.Errorf("%w: mode %d, available %d", ErrCursorModeUnsupported, options.CursorMode, modes)
		}
	}

	data := map[string]dbus.Variant{
		"handle_token": variantString(s.token),
	}
	if options.Types != 0 {
		data["types"] = variantUint32(options.Types)
	}
	if options.Multiple {
		data["multiple"] = variantBool(options.Multiple)
	}
	if options.CursorMode != 0 {
		data["cursor_mode"] = variantUint32(options.CursorMode)
	}
	if options.RestoreToken != "" {
		data["restore_token"] = variantString(options.RestoreToken)
	}
	if options.PersistMode != 0 {
		data["persist_mode"] = variantUint32(options.PersistMode)
	}

	result, err := call(selectSourcesName, s.path, data)
	if err != nil {
		return err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return fmt.Errorf("SelectSources returned unexpected type %T", result)
	}

	_, _, err = waitResponse(requestPath)
	return err
}

// Start presents the picker and returns the granted streams. A nil slice
// with nil error means the user cancelled.
func (s *Session) Start(parentWindow string) ([]Stream, error) {
	data := map[string]dbus.Variant{
		"handle_token": variantString(s.token),
	}

	result, err := call(startName, s.path, parentWindow, data)
	if err != nil {
		return nil, err
	}

	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("Start returned unexpected type %T", result)
	}

	status, results, err := waitResponse(requestPath)
	if err != nil {
		return nil, err
	} else if status >= statusCancelled {
		return nil, nil
	}

	streamVariant, ok := results["streams"]
	if !ok {
		return nil, nil
	}
	return parseStreams(streamVariant.Value()), nil
}

func parseStreams(value any) []Stream {
	var raw [][]any
	switch rs := value.(type) {
	case [][]any:
		raw = rs
	case []any:
		raw = make([][]any, 0, len(rs))
		for _, r := range rs {
			if entry, ok := r.([]any); ok {
				raw = append(raw, entry)
			}
		}
	default:
		return nil
	}

	streams := []Stream{}
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}

		stream := Stream{}
		if nodeID, ok := entry[0].(uint32); ok {
			stream.NodeID = nodeID
		}

		if props, ok := entry[1].(map[string]dbus.Variant); ok {
			if pos, ok := props["position"]; ok {
				if pair, ok := parseInt32Pair(pos.Value()); ok {
					stream.Position = pair
				}
			}
			if size, ok := props["size"]; ok {
				if pair, ok := parseInt32Pair(size.Value()); ok {
					stream.Size = pair
				}
			}
			if sourceType, ok := props["source_type"]; ok {
				if parsed, ok := sourceType.Value().(uint32); ok {
					stream.SourceType = parsed
				}
			}
			if mappingID, ok := props["mapping_id"]; ok {
				if parsed, ok := mappingID.Value().(string); ok {
					stream.MappingID = parsed
				}
			}
			if id, ok := props["id"]; ok {
				if parsed, ok := id.Value().(string); ok {
					stream.ID = parsed
				}
			}
		}

		streams = append(streams, stream)
	}
	return streams
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}
	return [2]int32{left, right}, true
}

// OpenRemote opens the session's PipeWire remote and returns its file
// descriptor. The caller owns the descriptor.
func (s *Session) OpenRemote() (int, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return -1, err
	}

	obj := conn.Object(busName, objectPath)
	c := obj.Call(openPipeWireRemoteName, 0, s.path, map[string]dbus.Variant{})
	if c.Err != nil {
		return -1, c.Err
	}

	var fd int
	err = c.Store(&fd)
	return fd, err
}

// Close ends the portal session; the compositor revokes the stream.
func (s *Session) Close() error {
	_, err := callOnPath(s.path, sessionCloseName)
	return err
}

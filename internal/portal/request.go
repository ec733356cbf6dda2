package portal

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

var errUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	requestIface   = "org.freedesktop.portal.Request"
	responseMember = "Response"
)

type responseStatus = uint32

const (
	statusSuccess   responseStatus = 0
	statusCancelled responseStatus = 1
	statusEnded     responseStatus = 2
)

// waitResponse blocks until the portal emits the Response signal for an
// asynchronous request and returns its status and result dictionary.
func waitResponse(path dbus.ObjectPath) (responseStatus, map[string]dbus.Variant, error) {
	signal, err := listenOnSignal(path, requestIface, responseMember)
	if err != nil {
		return statusEnded, nil, err
	}

	response := <-signal
	if len(response.Body) != 2 {
		return statusEnded, nil, errUnexpectedResponse
	}

	status, ok := response.Body[0].(responseStatus)
	if !ok {
		return statusEnded, nil, errUnexpectedResponse
	}
	results, ok := response.Body[1].(map[string]dbus.Variant)
	if !ok {
		return statusEnded, nil, errUnexpectedResponse
	}
	return status, results, nil
}

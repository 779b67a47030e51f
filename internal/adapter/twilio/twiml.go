package twilio

import (
	"encoding/xml"
	"fmt"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// CallIDParameter is the custom stream parameter carrying the server call id.
const CallIDParameter = "callId"

// StreamTwiML returns call instructions that connect the call's audio to
// streamURL, passing callID as a custom parameter.
func StreamTwiML(streamURL, callID string) ([]byte, error) {
	return render(twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{
			URL:        streamURL,
			Parameters: []twimlParameter{{Name: CallIDParameter, Value: callID}},
		}},
	})
}

// ApologyTwiML returns instructions that speak message and hang up.
func ApologyTwiML(message string) []byte {
	out, err := render(twimlResponse{Say: &twimlSay{Text: message}, Hangup: &struct{}{}})
	if err != nil {
		return []byte(xml.Header + "<Response><Hangup></Hangup></Response>")
	}
	return out
}

func render(r twimlResponse) ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// MediaStreamURL derives the websocket URL Twilio should dial from the
// public http(s) base URL.
func MediaStreamURL(publicURL, path string) string {
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		publicURL = "wss://" + strings.TrimPrefix(publicURL, "https://")
	case strings.HasPrefix(publicURL, "http://"):
		publicURL = "ws://" + strings.TrimPrefix(publicURL, "http://")
	}
	return strings.TrimSuffix(publicURL, "/") + path
}

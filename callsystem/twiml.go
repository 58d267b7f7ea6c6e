package callsystem

import (
	"encoding/xml"
	"fmt"
)

// Parameter is a TwiML <Parameter> passed to the media stream's start event.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamElement represents a TwiML <Stream> element.
type StreamElement struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// ConnectElement represents a TwiML <Connect> element.
type ConnectElement struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  StreamElement
}

// ResponseElement represents a TwiML <Response> element.
type ResponseElement struct {
	XMLName xml.Name `xml:"Response"`
	Connect ConnectElement
}

// BuildStreamTwiML returns a TwiML document connecting the call to a
// bidirectional media stream at streamURL. Parameter values are XML escaped.
func BuildStreamTwiML(streamURL string, params ...Parameter) (string, error) {
	if streamURL == "" {
		return "", fmt.Errorf("stream url is required")
	}

	response := ResponseElement{
		Connect: ConnectElement{
			Stream: StreamElement{
				URL:        streamURL,
				Parameters: params,
			},
		},
	}

	xmlBytes, err := xml.MarshalIndent(response, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to encode twiml: %w", err)
	}
	return xml.Header + string(xmlBytes), nil
}

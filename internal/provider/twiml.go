package provider

import (
	"bytes"
	"encoding/xml"
	"errors"
)

// Outbound calls hand the conversation to the voice pipeline over a media
// stream. The rendered call script rides along as a stream parameter so the
// pipeline can seed its system prompt per contact.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Connect twimlConnect
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlStream struct {
	XMLName    xml.Name     `xml:"Stream"`
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter"`
}

type twimlParam struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// OutboundTwiML renders the call-control document for a dispatched call.
func OutboundTwiML(streamURL, script string) (string, error) {
	if streamURL == "" {
		return "", errors.New("provider: stream url required for outbound twiml")
	}
	r := twimlResponse{
		Connect: twimlConnect{
			Stream: twimlStream{URL: streamURL},
		},
	}
	if script != "" {
		r.Connect.Stream.Parameters = append(r.Connect.Stream.Parameters, twimlParam{Name: "script", Value: script})
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

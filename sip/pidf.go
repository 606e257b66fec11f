package sip

import (
	"encoding/xml"
	"strings"
)

// pidf mirrors the minimal PIDF document shape: entity, one tuple with a
// basic open/closed status, and a contact URI. No pack library does XML
// templating, so this is built directly on encoding/xml.
type pidf struct {
	XMLName xml.Name  `xml:"urn:ietf:params:xml:ns:pidf presence"`
	Entity  string    `xml:"entity,attr"`
	Tuple   pidfTuple `xml:"tuple"`
}

type pidfTuple struct {
	ID      string    `xml:"id,attr"`
	Status  pidfState `xml:"status"`
	Contact string    `xml:"contact"`
}

type pidfState struct {
	Basic string `xml:"basic"`
}

// buildPIDF renders the PIDF document for resource given its current
// aggregated status ("online" or anything else treated as offline).
func buildPIDF(resource, status string) (string, error) {
	basic := "closed"
	if status == "online" {
		basic = "open"
	}

	doc := pidf{
		Entity: "pres:" + resource,
		Tuple: pidfTuple{
			ID:      "resource",
			Status:  pidfState{Basic: basic},
			Contact: "sip:" + resource,
		},
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}

// statusFromBody implements the PUBLISH body convention: strip all
// whitespace and look for the open-basic marker; its presence means
// online, its absence means offline. No XML parser is used here — the
// contract is a literal substring match on the whitespace-stripped body,
// matching the source behavior.
func statusFromBody(body string) string {
	stripped := stripWhitespace(body)
	if strings.Contains(stripped, "<status><basic>open</basic></status>") {
		return "online"
	}
	return "offline"
}

var whitespaceReplacer = strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "")

func stripWhitespace(s string) string {
	return whitespaceReplacer.Replace(s)
}

package ingest

import "strings"

// TopicKind classifies a parsed topic.
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicTelemetry
	TopicDecoded
)

// ParsedTopic is the outcome of splitting an inbound MQTT topic into its
// routing fields. Router is always populated for a recognized kind;
// PanelID only for TopicDecoded.
type ParsedTopic struct {
	Kind    TopicKind
	Router  string
	PanelID int
}

// ParseTopic recognizes the two fixed shapes:
//
//	cg/v1/telemetry/SN/<sn>
//	cg/v1/decoded/SN/<sn>/pcc/<panel_id>
//
// Anything else is TopicUnknown.
func ParseTopic(topic string) ParsedTopic {
	parts := strings.Split(topic, "/")

	// cg v1 telemetry SN <sn>
	if len(parts) == 5 && parts[0] == "cg" && parts[1] == "v1" && parts[2] == "telemetry" && parts[3] == "SN" {
		return ParsedTopic{Kind: TopicTelemetry, Router: parts[4]}
	}

	// cg v1 decoded SN <sn> pcc <panel_id>
	if len(parts) == 7 && parts[0] == "cg" && parts[1] == "v1" && parts[2] == "decoded" && parts[3] == "SN" && parts[5] == "pcc" {
		panelID, ok := parseInt(parts[6])
		if !ok {
			return ParsedTopic{Kind: TopicUnknown}
		}
		return ParsedTopic{Kind: TopicDecoded, Router: parts[4], PanelID: panelID}
	}

	return ParsedTopic{Kind: TopicUnknown}
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

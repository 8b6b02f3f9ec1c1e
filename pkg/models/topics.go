package models

import "strings"

// Topic layout: <prefix>/<identifier>/{data|status|cmd}. The identifier is
// the device MAC for inbound topics; outbound command topics may use the PCB
// serial instead, depending on provisioning.

func TopicData(prefix, id string) string   { return prefix + "/" + id + "/data" }
func TopicStatus(prefix, id string) string { return prefix + "/" + id + "/status" }
func TopicCmd(prefix, id string) string    { return prefix + "/" + id + "/cmd" }

// HardwareFromTopic extracts the identifier segment following the prefix.
// ok is false when the topic does not start with the prefix or has no
// identifier segment.
func HardwareFromTopic(prefix, topic string) (string, bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return "", false
	}
	return id, true
}

package router

import "fmt"

// Topic suffixes for the classic shadow topic family.
const (
	suffixGet            = "/shadow/get"
	suffixGetAccepted    = "/shadow/get/accepted"
	suffixGetRejected    = "/shadow/get/rejected"
	suffixUpdate         = "/shadow/update"
	suffixUpdateAccepted = "/shadow/update/accepted"
	suffixUpdateRejected = "/shadow/update/rejected"
	suffixUpdateDelta    = "/shadow/update/delta"
)

// TopicSet holds all shadow topics for one device.
type TopicSet struct {
	Get            string
	GetAccepted    string
	GetRejected    string
	Update         string
	UpdateAccepted string
	UpdateRejected string
	UpdateDelta    string
}

// Topics builds the classic-shadow topic set for a device.
func Topics(deviceID string) TopicSet {
	prefix := fmt.Sprintf("$aws/things/%s", deviceID)
	return TopicSet{
		Get:            prefix + suffixGet,
		GetAccepted:    prefix + suffixGetAccepted,
		GetRejected:    prefix + suffixGetRejected,
		Update:         prefix + suffixUpdate,
		UpdateAccepted: prefix + suffixUpdateAccepted,
		UpdateRejected: prefix + suffixUpdateRejected,
		UpdateDelta:    prefix + suffixUpdateDelta,
	}
}

// Subscriptions returns the five topics a shadow client subscribes to.
func (t TopicSet) Subscriptions() []string {
	return []string{
		t.GetAccepted,
		t.GetRejected,
		t.UpdateAccepted,
		t.UpdateRejected,
		t.UpdateDelta,
	}
}

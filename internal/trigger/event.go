// Package trigger matches inbound events against notification rules.
//
// Event kinds are a closed enumeration; variable extraction per kind goes
// through an explicit dispatch table rather than string matching.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"digestd/internal/template"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSyncSuccess
	KindSyncFailure
	KindNewResources
	KindUpdatedResources
	KindCertificationAvailable
	KindDeadlineReminder
)

var kindNames = map[Kind]string{
	KindSyncSuccess:            "sync_success",
	KindSyncFailure:            "sync_failure",
	KindNewResources:           "new_resources",
	KindUpdatedResources:       "updated_resources",
	KindCertificationAvailable: "certification_available",
	KindDeadlineReminder:       "deadline_reminder",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown event kind %q", s)
}

// Kinds returns every known kind in stable order.
func Kinds() []Kind {
	return []Kind{
		KindSyncSuccess,
		KindSyncFailure,
		KindNewResources,
		KindUpdatedResources,
		KindCertificationAvailable,
		KindDeadlineReminder,
	}
}

// Event is one inbound occurrence from an external integration.
type Event struct {
	Kind           Kind
	Platform       string
	ResourcesAdded int
	Resources      []template.Item
	ErrorMessage   string
	At             time.Time
}

// varBuilders is the kind → variable-builder dispatch table. Each builder
// adds the kind-specific placeholders on top of the common set.
var varBuilders = map[Kind]func(Event, template.Vars){
	KindSyncSuccess: func(e Event, v template.Vars) {
		v["count"] = strconv.Itoa(e.ResourcesAdded)
	},
	KindSyncFailure: func(e Event, v template.Vars) {
		v["error"] = e.ErrorMessage
	},
	KindNewResources: func(e Event, v template.Vars) {
		v["count"] = strconv.Itoa(e.ResourcesAdded)
		v["resources"] = e.Resources
	},
	KindUpdatedResources: func(e Event, v template.Vars) {
		v["count"] = strconv.Itoa(e.ResourcesAdded)
		v["resources"] = e.Resources
	},
	KindCertificationAvailable: func(e Event, v template.Vars) {
		v["resources"] = e.Resources
	},
	KindDeadlineReminder: func(e Event, v template.Vars) {
		v["resources"] = e.Resources
	},
}

// Vars builds the template variables for this event.
func (e Event) Vars() template.Vars {
	v := template.Vars{
		"event":    e.Kind.String(),
		"platform": e.Platform,
		"date":     e.At.Format("2006-01-02"),
	}
	if build, ok := varBuilders[e.Kind]; ok {
		build(e, v)
	}
	return v
}

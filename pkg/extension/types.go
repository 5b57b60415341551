package extension

import (
	"github.com/hearthhq/hearth/pkg/version"
)

// Well-known extension point types. Plugins may also contribute to types
// the platform has never heard of; the registry treats types as opaque tags.
const (
	TypeWebFragment  = "web-fragment"
	TypeScheduledJob = "scheduled-job"
	TypeService      = "service"
	TypeEventHandler = "event-handler"
)

// Registration is one plugin's contribution to an extension point.
type Registration struct {
	// Type is the extension point tag, e.g. "web-fragment".
	Type string `yaml:"type" json:"type"`

	// OwnerPluginKey identifies the contributing plugin. Registrations are
	// removed en masse when the owner deactivates.
	OwnerPluginKey string `yaml:"owner" json:"owner"`

	// Key is unique within (owner, type).
	Key string `yaml:"key" json:"key"`

	// Weight orders registrations within a type; ascending weight means
	// higher priority. Ties keep insertion order.
	Weight int `yaml:"weight" json:"weight"`

	// Location narrows where a contribution applies (e.g. a web fragment's
	// "dashboard.widgets" slot). Empty means everywhere.
	Location string `yaml:"location,omitempty" json:"location,omitempty"`

	// RequiredPermission, when set, must be held by a viewer for the
	// contribution to be shown. The core records it; enforcement is the
	// transport layer's concern.
	RequiredPermission string `yaml:"required_permission,omitempty" json:"required_permission,omitempty"`

	// APIVersions is the API range the registration was compiled against.
	APIVersions version.Range `yaml:"api_versions" json:"api_versions"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

package ess

// Endpoint pairs a device resource path (relative to /v1/) with the
// namespace its flattened metrics are published under.
type Endpoint struct {
	Path      string
	Namespace string
}

// Known device endpoints.
var (
	HomeTelemetry   = Endpoint{Path: "user/essinfo/home", Namespace: "essinfo_home"}
	SystemSettings  = Endpoint{Path: "user/setting/systeminfo", Namespace: "setting_systeminfo"}
	BatterySettings = Endpoint{Path: "user/setting/batt", Namespace: "setting_batt"}
	CommonInfo      = Endpoint{Path: "user/essinfo/common", Namespace: "essinfo_common"}
	NetworkSettings = Endpoint{Path: "user/setting/network", Namespace: "setting_network"}
)

// Document is a decoded JSON object returned by the device. Numbers are
// held as json.Number so their original spelling survives.
type Document map[string]any

// AuthToken is the auth_key returned by a successful login.
type AuthToken struct {
	Key string
}

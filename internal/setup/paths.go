package setup

// Host-side directories owned by the tool. The image cache is the only
// durable state the provisioning core itself maintains.
const (
	ConfigDir   = "/etc/nixlet"
	CacheDir    = "/var/lib/nixlet/images"
	TemplateDir = "/var/lib/nixlet/templates"
)

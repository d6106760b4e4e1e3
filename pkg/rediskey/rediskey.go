package rediskey

import "fmt"

// License cache keys (shared by every replica that validates access)
const (
	LicensePrefix = "license"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLicenseKey returns "license:{tenantID}:{moduleKey}"
func BuildLicenseKey(tenantID, moduleKey string) string {
	return NamespaceKey(LicensePrefix, fmt.Sprintf("%s:%s", tenantID, moduleKey))
}

// BuildTenantPattern returns "license:{tenantID}:*"
func BuildTenantPattern(tenantID string) string {
	return NamespaceKey(LicensePrefix, tenantID+":*")
}

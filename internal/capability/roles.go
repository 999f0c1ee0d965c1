package capability

// RoleMembers returns the logins configured for role under the tenant
// config's "roles" key. Unknown roles have no members.
func RoleMembers(cfg map[string]any, role string) []string {
	roles, _ := cfg["roles"].(map[string]any)
	members := toStrings(roles[role])
	if members == nil {
		return []string{}
	}
	return members
}

// IsAuthorized reports whether user holds one of the roles the tenant
// config's "commands" key allows for command. Commands that are not
// listed are denied.
func IsAuthorized(cfg map[string]any, user, command string) bool {
	if user == "" {
		return false
	}
	commands, _ := cfg["commands"].(map[string]any)
	for _, role := range toStrings(commands[command]) {
		if role == "*" {
			return true
		}
		for _, member := range RoleMembers(cfg, role) {
			if member == user {
				return true
			}
		}
	}
	return false
}

package client

import (
	"fmt"
	"os"
	"strings"
)

// buildPropertiesEnv points at the Java properties file TeamCity agents
// expose to build steps.
const buildPropertiesEnv = "TEAMCITY_BUILD_PROPERTIES_FILE"

// DetectProperties inspects the environment for CI integrations and
// returns defaults for unset client options. Under TeamCity the
// reservation message is keyed to the build so the server's CI sweeps can
// match it.
func DetectProperties() map[string]string {
	props := map[string]string{}

	path, ok := os.LookupEnv(buildPropertiesEnv)
	if !ok {
		return props
	}
	fmt.Println("Detected Teamcity Build environment, loading build properties file")

	properties, err := readProperties(path)
	if err != nil {
		fmt.Printf("Could not load build properties file: %v\n", err)
		return props
	}
	if buildID, ok := properties["teamcity.build.id"]; ok {
		props["reservation_message"] = "Teamcity_ID=" + buildID
	}
	if len(props) > 0 {
		fmt.Printf("Teamcity properties loaded %v\n", props)
	}
	return props
}

// readProperties parses a Java properties file far enough for our needs:
// key=value lines, backslash escapes in values, comments ignored.
func readProperties(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	properties := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		value = strings.NewReplacer(`\:`, ":", `\=`, "=", `\\`, `\`).Replace(value)
		properties[key] = value
	}
	return properties, nil
}

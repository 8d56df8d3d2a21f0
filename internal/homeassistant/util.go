package homeassistant

import "strings"

var deviceClasses = []struct {
	keywords []string
	class    string
}{
	{[]string{"pir", "motion"}, "motion"},
	{[]string{"door", "contact"}, "door"},
	{[]string{"window"}, "window"},
	{[]string{"smoke", "fire"}, "smoke"},
	{[]string{"gas", "carbon"}, "gas"},
	{[]string{"water", "leak", "flood"}, "moisture"},
	{[]string{"siren", "sos", "panic"}, "safety"},
}

// getDeviceClass guesses a binary_sensor device class from the node's
// name, then its type.
func getDeviceClass(name, nodeType string) string {
	for _, s := range []string{name, nodeType} {
		words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return r == ' ' || r == '_' || r == '-'
		})
		for _, dc := range deviceClasses {
			for _, kw := range dc.keywords {
				for _, w := range words {
					if strings.HasPrefix(w, kw) {
						return dc.class
					}
				}
			}
		}
	}

	// Default to motion if we can't determine a more specific type
	return "motion"
}

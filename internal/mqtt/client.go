package mqtt

// MQTTClient is the publishing surface other integrations build on.
type MQTTClient interface {
	GetPrefix() string
	Topics() *Topics
	Publish(topic string, payload interface{}, retain bool)
}

// CommandHandler receives commands written to a panel's command topic.
type CommandHandler interface {
	HandleCommand(panel, command string)
}

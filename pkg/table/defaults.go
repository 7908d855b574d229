package table

const (
	DefaultControlTopic = "CAT341/LEDControl"
	DefaultStatusTopic  = "CAT341/status"
)

// DefaultDocument is the table used when no persisted file exists.
func DefaultDocument() Document {
	return Document{
		Topics: map[string]Topic{
			DefaultControlTopic: {
				Type:        DirectionInput,
				Description: "Controle do LED do ESP32",
				Actions: map[string]Action{
					"1": {Endpoint: "/H", Description: "Ligar LED"},
					"2": {Endpoint: "/L", Description: "Desligar LED"},
					"0": {Endpoint: "/L", Description: "Desligar LED"},
				},
			},
			DefaultStatusTopic: {
				Type:        DirectionOutput,
				Description: "Publica o status do bridge",
			},
		},
	}
}

package venice

import "fmt"

// Selectors locate every element the relay touches on venice.ai. They are
// tied to one build of the site's front-end and are the first thing to
// update when it changes.
type Selectors struct {
	UserInfo   string
	GuestLabel string

	IdentifierInput  string
	IdentifierSubmit string
	SecretInput      string
	SecretSubmit     string

	NewChat string

	ModelButton string
	ModelList   string

	PromptInput  string
	SubmitButton string

	AssistantMessage string
	Content          string
	CitationList     string
	CitationNumber   string
	CitationLabel    string

	// InferencePath is matched against POST request URLs to find the
	// inference call a submit triggers.
	InferencePath string
}

// DefaultSelectors matches the venice.ai front-end the relay was built against
func DefaultSelectors() Selectors {
	return Selectors{
		UserInfo:   "body > div.css-wi1irr > div.css-6o8pp7 > div.css-e8h8zp > div > div.css-oc1j8r > button.chakra-button.css-1rz9yxu > div > div > div > p",
		GuestLabel: "Venice Guest",

		IdentifierInput:  "#identifier",
		IdentifierSubmit: "body > div.chakra-stack.css-165casq > div > div > div > div > div.chakra-card__body.css-2f8ovt > form > div > div.css-8atqhb > button",
		SecretInput:      "#password",
		SecretSubmit:     "body > div.chakra-stack.css-165casq > div > div > div > div > div.chakra-card__body.css-2f8ovt > form > button",

		NewChat: "body > div.css-wi1irr > div.css-6o8pp7 > div.css-135z2h5 > div > div > button:nth-child(1)",

		ModelButton: `#menu-button-\:rj\:`,
		ModelList:   `#menu-list-\:rj\:`,

		PromptInput:  `textarea[placeholder="Ask a question..."]`,
		SubmitButton: `button[data-testid="chatInputSubmitButton"]`,

		AssistantMessage: ".assistant",
		Content:          ".prose",
		CitationList:     ".chakra-stack",
		CitationNumber:   "sup",
		CitationLabel:    ".chakra-text",

		InferencePath: "/api/inference/chat",
	}
}

// ModelOption selects the picker entry for a model identifier
func (s Selectors) ModelOption(modelID string) string {
	return fmt.Sprintf(`%s button[value="%s"]`, s.ModelList, modelID)
}

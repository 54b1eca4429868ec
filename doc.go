// Package crewkit is a conversational crew dispatch platform.
//
// Crewkit routes user messages through configurable crew members, each a
// persona backed by an LLM model, and streams the response as an ordered
// event sequence. While the primary crew member streams, a lightweight
// extraction pass collects structured fields from the conversation; when a
// crew member has gathered everything it needs, the dispatcher hands the
// conversation over to the next member before the buffered response is
// released.
//
// # Quick Start
//
// Create a configuration:
//
//	agents:
//	  support:
//	    name: "Support"
//	    crew_dir: "crew/support"
//
//	llms:
//	  openai:
//	    type: "openai"
//	    api_key: "${OPENAI_API_KEY}"
//
// Start the server:
//
//	crewkit serve --config config.yaml
//
// # Packages
//
//   - dispatch: message routing, field extraction race, transfer gate
//   - crew: crew member registry and lifecycle hooks
//   - extractor: structured field extraction micro-agent
//   - llms: provider registry for OpenAI, Anthropic, and Gemini models
//   - store: conversation, prompt, and crew config persistence
//   - server: HTTP surface with event-stream responses
package crewkit

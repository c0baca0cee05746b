// Package provider defines the catalog of inference providers the stack
// can route to, as tagged descriptors with capability flags instead of
// string comparisons scattered through callers.
package provider

// TaskType distinguishes the workloads a provider can serve.
type TaskType string

const (
	TaskLLM TaskType = "llm"
	TaskSTT TaskType = "stt"
)

// Kind tags where a provider runs.
type Kind string

const (
	KindRemote Kind = "remote"
	KindLocal  Kind = "local"
)

// LocalSentinel is stored in place of an API key for providers that run
// on this machine and carry no secret.
const LocalSentinel = "local"

// HostedID is the bundled OpenAI-compatible provider unlocked by a
// virtual key from the hosted identity layer.
const HostedID = "hosted"

// Descriptor describes one provider. Models lists the fixed remote
// catalog per task; local providers report installed models dynamically
// and leave it empty.
type Descriptor struct {
	ID          string
	DisplayName string
	Kind        Kind
	Tasks       []TaskType
	Models      map[TaskType][]string
}

// Supports reports whether the provider serves the given task type.
func (d Descriptor) Supports(task TaskType) bool {
	for _, t := range d.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// registry holds the fixed provider set in auto-selection priority
// order: remote providers first, then local, each group alphabetical by
// historical enumeration order. The order is part of the contract; the
// state store picks the first valid entry when re-selecting.
var registry = []Descriptor{
	{
		ID:          "openai",
		DisplayName: "OpenAI",
		Kind:        KindRemote,
		Tasks:       []TaskType{TaskLLM, TaskSTT},
		Models: map[TaskType][]string{
			TaskLLM: {"gpt-4o", "gpt-4o-mini", "gpt-4.1"},
			TaskSTT: {"whisper-1"},
		},
	},
	{
		ID:          "gemini",
		DisplayName: "Google Gemini",
		Kind:        KindRemote,
		Tasks:       []TaskType{TaskLLM},
		Models: map[TaskType][]string{
			TaskLLM: {"gemini-2.0-flash", "gemini-1.5-pro"},
		},
	},
	{
		ID:          "deepgram",
		DisplayName: "Deepgram",
		Kind:        KindRemote,
		Tasks:       []TaskType{TaskSTT},
		Models: map[TaskType][]string{
			TaskSTT: {"nova-2", "nova-3"},
		},
	},
	{
		ID:          "ollama",
		DisplayName: "Ollama",
		Kind:        KindLocal,
		Tasks:       []TaskType{TaskLLM},
	},
	{
		ID:          "whisper",
		DisplayName: "Whisper",
		Kind:        KindLocal,
		Tasks:       []TaskType{TaskSTT},
	},
}

// hosted is not part of the priority walk; it is unlocked by a virtual
// key and, when present, always wins over the registry order.
var hosted = Descriptor{
	ID:          HostedID,
	DisplayName: "Bundled",
	Kind:        KindRemote,
	Tasks:       []TaskType{TaskLLM, TaskSTT},
	Models: map[TaskType][]string{
		TaskLLM: {"gpt-4o-mini"},
		TaskSTT: {"whisper-1"},
	},
}

// All returns every selectable provider in priority order.
func All() []Descriptor {
	out := make([]Descriptor, len(registry))
	copy(out, registry)
	return out
}

// Lookup returns the descriptor for id, including the hosted provider.
func Lookup(id string) (Descriptor, bool) {
	if id == HostedID {
		return hosted, true
	}
	for _, d := range registry {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ForTask returns providers serving task, in priority order.
func ForTask(task TaskType) []Descriptor {
	var out []Descriptor
	for _, d := range registry {
		if d.Supports(task) {
			out = append(out, d)
		}
	}
	return out
}

// IsLocal reports whether id names a local provider.
func IsLocal(id string) bool {
	d, ok := Lookup(id)
	return ok && d.Kind == KindLocal
}

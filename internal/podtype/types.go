// Package podtype holds the data types shared between the Pod lifecycle
// controller and the PodManager dispatcher: the pod state enum, the
// provider's network identity for a pod, and the prompt/result records
// that flow through the manager's queue.
package podtype

import "time"

// GPUType tags a GPU model with its human label and the provider's opaque
// identifier for it.
type GPUType struct {
	Label string
	ID    string
}

// PodState is the closed enumeration of states a Pod can occupy:
// Creating -> Starting -> Free <-> Processing, with Stopped/Terminated
// off-ramps and Stopped resumable back to Creating.
type PodState int

const (
	// Creating means provisioning has been requested; the pod has no
	// network identity yet.
	Creating PodState = iota
	// Starting means the provider has allocated a public IP and port
	// mapping, but health has not yet been confirmed.
	Starting
	// Free means the pod's health endpoint reports ready; it is idle and
	// eligible for work.
	Free
	// Processing means the pod is serving one prompt.
	Processing
	// Stopped means the pod is paused on the provider: resources are
	// reclaimed but its id is retained, and it is resumable.
	Stopped
	// Terminated means the pod is unrecoverable, or has been scheduled
	// for destruction. This is a terminal state.
	Terminated
)

func (s PodState) String() string {
	switch s {
	case Creating:
		return "Creating"
	case Starting:
		return "Starting"
	case Free:
		return "Free"
	case Processing:
		return "Processing"
	case Stopped:
		return "Stopped"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// NonTerminal reports whether a pod in this state counts toward the
// fleet's pod cap: every state except Stopped and Terminated.
func (s PodState) NonTerminal() bool {
	return s != Stopped && s != Terminated
}

// Active reports whether a pod in this state counts toward the
// autoscaler's demand tally: Creating, Starting, Processing, or Free.
func (s PodState) Active() bool {
	switch s {
	case Creating, Starting, Processing, Free:
		return true
	default:
		return false
	}
}

// PodInfo is the network identity a pod is assigned once the provider
// reports it as Starting. It is cleared whenever the pod is stopped.
type PodInfo struct {
	PublicIP     string
	PortMappings map[string]string // service port -> host port
}

// Ready reports whether the PodInfo carries a usable network identity:
// a non-empty public IP and a host port mapped for servicePort.
func (i *PodInfo) Ready(servicePort string) bool {
	if i == nil || i.PublicIP == "" {
		return false
	}
	_, ok := i.PortMappings[servicePort]
	return ok
}

// HostPort returns the host-mapped port for servicePort, or "" if absent.
func (i *PodInfo) HostPort(servicePort string) string {
	if i == nil {
		return ""
	}
	return i.PortMappings[servicePort]
}

// Prompt is a unit of work submitted by a caller through
// PodManager.Enqueue.
type Prompt struct {
	ID         string
	URL        string
	WorkflowID int
	StartTime  time.Time
	Result     *PromptResult
}

// PromptResult is the tagged outcome of processing a Prompt: exactly one
// of Success or Error is populated.
type PromptResult struct {
	Success *PromptSuccess
	Error   *PromptError
}

// PromptSuccess carries the pod's inference response body.
type PromptSuccess struct {
	Content   []byte
	MediaType string
}

// PromptError carries a caller-facing error message. It is never a Go
// error value — provider/network failures are classified and either
// retried internally or surfaced as one of these fixed messages.
type PromptError struct {
	Message string
}

// Success builds a successful PromptResult.
func Success(content []byte, mediaType string) PromptResult {
	return PromptResult{Success: &PromptSuccess{Content: content, MediaType: mediaType}}
}

// Err builds an error PromptResult with the given caller-facing message.
func Err(message string) PromptResult {
	return PromptResult{Error: &PromptError{Message: message}}
}

// IsError reports whether the result is the Error variant.
func (r PromptResult) IsError() bool {
	return r.Error != nil
}

package queue

// Pass-over reasons recorded when a claim round skips a queued job. They
// feed debug logs and the last-failed-worker clearing rule; matching
// itself only cares whether the verdict is OK.
const (
	ReasonService    = "service_not_offered"
	ReasonHardware   = "hardware_insufficient"
	ReasonModels     = "models_missing"
	ReasonComponents = "components_missing"
	ReasonWorkflows  = "workflows_missing"
	ReasonIsolation  = "customer_isolation"
	ReasonLastFailed = "last_failed_worker"
)

// Verdict is the outcome of matching one job against one worker.
type Verdict struct {
	OK     bool
	Reason string
}

func pass() Verdict {
	return Verdict{OK: true}
}

func skip(reason string) Verdict {
	return Verdict{Reason: reason}
}

// Eligible decides whether a worker may take a job. Filters run cheapest
// first; the verdict carries the first filter that said no.
//
// The last-failed check runs dead last so a skip for that reason means
// the worker was otherwise fully capable, which is what lets the broker
// clear the marker and allow the retry on a later round.
func Eligible(job *Job, w *Worker) Verdict {
	if !contains(w.Capabilities.Services, job.ServiceRequired) {
		return skip(ReasonService)
	}

	if req := job.Requirements; req != nil {
		if req.Hardware != nil && !w.Capabilities.Hardware.Satisfies(*req.Hardware) {
			return skip(ReasonHardware)
		}
		if !containsAll(w.Capabilities.Models, req.Models) {
			return skip(ReasonModels)
		}
		if !containsAll(w.Capabilities.Components, req.Components) {
			return skip(ReasonComponents)
		}
		if !containsAll(w.Capabilities.Workflows, req.Workflows) {
			return skip(ReasonWorkflows)
		}
		if !isolationAllows(req.CustomerIsolation, job.CustomerID, w) {
			return skip(ReasonIsolation)
		}
	}

	if job.LastFailedWorker != "" && job.LastFailedWorker == w.ID {
		return skip(ReasonLastFailed)
	}

	return pass()
}

// isolationAllows applies the job's customer isolation mode. Strict
// requires an exact customer match, including the empty customer; loose
// also accepts workers whose access list names the job's customer.
func isolationAllows(mode IsolationMode, customerID string, w *Worker) bool {
	switch mode {
	case IsolationStrict:
		return w.Capabilities.CustomerID == customerID
	case IsolationLoose:
		if w.Capabilities.CustomerID == customerID {
			return true
		}
		return contains(w.Capabilities.CustomerAccess, customerID)
	default:
		return true
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// containsAll reports whether every wanted item is present. An empty want
// list always passes.
func containsAll(have, want []string) bool {
	for _, w := range want {
		if !contains(have, w) {
			return false
		}
	}
	return true
}

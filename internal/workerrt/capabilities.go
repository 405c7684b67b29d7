package workerrt

import (
	"encoding/json"
	"os"

	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/domain/worker"
)

// DiscoverCapabilities builds the capability snapshot the matcher sees,
// reading it from environment variables the same way internal/config reads
// runtime identity: WORKER_SERVICES (comma list), WORKER_HARDWARE (JSON),
// WORKER_MODELS (JSON), WORKER_CUSTOMER_ACCESS (JSON).
func DiscoverCapabilities() worker.Capabilities {
	caps := worker.Capabilities{
		CustomerAccess: worker.CustomerAccess{Isolation: job.IsolationNone},
	}

	if services := os.Getenv("WORKER_SERVICES"); services != "" {
		caps.Services = splitCSV(services)
	} else {
		caps.Services = []string{"simulation"}
	}

	if hw := os.Getenv("WORKER_HARDWARE"); hw != "" {
		_ = json.Unmarshal([]byte(hw), &caps.Hardware)
	}
	if models := os.Getenv("WORKER_MODELS"); models != "" {
		_ = json.Unmarshal([]byte(models), &caps.Models)
	}
	if access := os.Getenv("WORKER_CUSTOMER_ACCESS"); access != "" {
		_ = json.Unmarshal([]byte(access), &caps.CustomerAccess)
	}
	if extra := os.Getenv("WORKER_EXTRA_CAPABILITIES"); extra != "" {
		_ = json.Unmarshal([]byte(extra), &caps.Extra)
	}

	return caps
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// serviceHTTP is the client for the privileged helper service. The helper
// runs with elevated rights and launches the engine on our behalf.
var serviceHTTP = &http.Client{Timeout: 5 * time.Second}

type serviceStartRequest struct {
	Core       string `json:"core"`
	BinPath    string `json:"bin_path"`
	HomeDir    string `json:"home_dir"`
	ConfigFile string `json:"config_file"`
}

// serviceReachable probes the helper's version endpoint.
func (s *Supervisor) serviceReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.EngineConf.ServiceEndpoint+"/version", nil)
	if err != nil {
		return false
	}
	resp, err := serviceHTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// serviceStart asks the helper to launch the engine with the current
// runtime file.
func (s *Supervisor) serviceStart(ctx context.Context, core string) error {
	if !s.serviceReachable(ctx) {
		return fmt.Errorf("helper service not reachable at %s", s.cfg.EngineConf.ServiceEndpoint)
	}
	body, err := json.Marshal(serviceStartRequest{
		Core:       core,
		BinPath:    s.binPath(core),
		HomeDir:    s.cfg.AppConf.HomeDir,
		ConfigFile: s.runtimePath,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.EngineConf.ServiceEndpoint+"/start_core", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := serviceHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("helper service start returned status %d", resp.StatusCode)
	}
	return nil
}

// serviceStop asks the helper to terminate the engine it owns.
func (s *Supervisor) serviceStop(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.EngineConf.ServiceEndpoint+"/stop_core", nil)
	if err != nil {
		return err
	}
	resp, err := serviceHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("helper service stop returned status %d", resp.StatusCode)
	}
	return nil
}

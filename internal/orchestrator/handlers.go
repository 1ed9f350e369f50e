// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"

	"github.com/tombee/modhost/internal/bus"
	modhosterrors "github.com/tombee/modhost/pkg/errors"
)

// NameRequest is the payload of requests addressed to one module.
type NameRequest struct {
	Name string `json:"name"`
}

// UnloadRequest is the payload of modules.unload.
type UnloadRequest struct {
	Name      string `json:"name"`
	Uninstall bool   `json:"uninstall,omitempty"`
}

// InstallRequest is the payload of modules.install.
type InstallRequest struct {
	Dir string `json:"dir"`
}

// StatusResponse answers modules.status.
type StatusResponse struct {
	Status  Status `json:"status"`
	Modules int    `json:"modules"`
	Loaded  int    `json:"loaded"`
}

// RegisterHandlers serves the module requests on the orchestrator's bus.
func (o *Orchestrator) RegisterHandlers() {
	o.bus.Handle(bus.RequestLoad, func(ctx context.Context, _ bus.Request) (any, error) {
		if err := o.LoadAll(ctx); err != nil {
			return nil, err
		}
		return o.reg.List(), nil
	})

	o.bus.Handle(bus.RequestUnload, func(ctx context.Context, req bus.Request) (any, error) {
		var p UnloadRequest
		if err := decodeNamed(req, &p, &p.Name); err != nil {
			return nil, err
		}
		if err := o.Unload(ctx, p.Name, UnloadOptions{Uninstall: p.Uninstall}); err != nil {
			return nil, err
		}
		if d, ok := o.reg.GetByName(p.Name); ok {
			return d, nil
		}
		return nil, nil
	})

	o.bus.Handle(bus.RequestGetDisplayName, func(ctx context.Context, req bus.Request) (any, error) {
		var p NameRequest
		if err := decodeNamed(req, &p, &p.Name); err != nil {
			return nil, err
		}
		return o.GetDisplayName(p.Name)
	})

	o.bus.Handle(bus.RequestGetDataDirectory, func(ctx context.Context, req bus.Request) (any, error) {
		var p NameRequest
		if err := req.Decode(&p); err != nil {
			return nil, &modhosterrors.ValidationError{Message: err.Error()}
		}
		// A worker asking without a name gets its own directory.
		if p.Name == "" && req.Source != "" {
			p.Name = req.Source
		}
		return o.GetDataDirectory(p.Name)
	})

	o.bus.Handle(bus.RequestList, func(ctx context.Context, _ bus.Request) (any, error) {
		return o.reg.List(), nil
	})

	o.bus.Handle(bus.RequestGet, func(ctx context.Context, req bus.Request) (any, error) {
		var p NameRequest
		if err := decodeNamed(req, &p, &p.Name); err != nil {
			return nil, err
		}
		d, ok := o.reg.GetByName(p.Name)
		if !ok {
			return nil, &modhosterrors.NotFoundError{Resource: "module", ID: p.Name}
		}
		return d, nil
	})

	o.bus.Handle(bus.RequestInstall, func(ctx context.Context, req bus.Request) (any, error) {
		var p InstallRequest
		if err := req.Decode(&p); err != nil {
			return nil, &modhosterrors.ValidationError{Message: err.Error()}
		}
		if p.Dir == "" {
			return nil, &modhosterrors.ValidationError{Field: "dir", Message: "dir is required"}
		}
		return o.Install(ctx, p.Dir)
	})

	o.bus.Handle(bus.RequestStatus, func(ctx context.Context, _ bus.Request) (any, error) {
		return o.statusResponse(), nil
	})
}

func (o *Orchestrator) statusResponse() StatusResponse {
	resp := StatusResponse{Status: o.Status()}
	for _, d := range o.reg.List() {
		if d.IsBase {
			continue
		}
		resp.Modules++
		if d.IsLoaded {
			resp.Loaded++
		}
	}
	return resp
}

func decodeNamed(req bus.Request, v any, name *string) error {
	if err := req.Decode(v); err != nil {
		return &modhosterrors.ValidationError{Message: err.Error()}
	}
	if *name == "" {
		return &modhosterrors.ValidationError{Field: "name", Message: "name is required"}
	}
	return nil
}

// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IdentityHash computes the deduplication hash for a task request: a SHA-256
// over the canonical JSON of namespace, name, version and context.
// encoding/json sorts map keys, so semantically identical contexts hash
// identically regardless of construction order.
func IdentityHash(req TaskRequest) (string, error) {
	canonical := struct {
		Namespace string         `json:"namespace"`
		Name      string         `json:"name"`
		Version   string         `json:"version"`
		Context   map[string]any `json:"context"`
	}{
		Namespace: req.Namespace,
		Name:      req.Name,
		Version:   req.Version,
		Context:   req.Context,
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("marshaling identity payload: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

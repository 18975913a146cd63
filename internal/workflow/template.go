package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/amankumarsingh77/comfyui-router/internal/models"
)

var ErrInvalidTemplate = errors.New("invalid workflow template")

const (
	nodeLoadVideo    = "VHS_LoadVideoPath"
	nodeVideoCombine = "VHS_VideoCombine"
	nodeBatchManager = "VHS_BatchManager"
)

// LoadTemplates reads <dir>/<name>.json for each name. Names without a file
// are left out of the result; the selector reports them when routed to.
// Templates must be API exports: /prompt does not accept the UI format,
// whose widget values are positional.
func LoadTemplates(dir string, names []string) (map[string]models.Template, error) {
	out := make(map[string]models.Template, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name+".json")
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read workflow %s", path)
		}
		var graph map[string]interface{}
		if err := json.Unmarshal(data, &graph); err != nil {
			return nil, errors.Wrapf(ErrInvalidTemplate, "%s: %v", path, err)
		}
		if _, ui := graph["nodes"]; ui {
			return nil, errors.Wrapf(ErrInvalidTemplate, "%s is a UI workflow, save it with Export (API)", path)
		}
		out[name] = models.Template{Name: name, Path: path, Graph: graph}
	}
	return out, nil
}

// BuildPayload returns a copy of the template graph with the input video,
// the output filename prefix and, when framesPerBatch is positive, the batch
// size substituted in. The template itself is not touched.
func BuildPayload(tpl models.Template, inputRef, prefix string, framesPerBatch int) (map[string]interface{}, error) {
	graph, err := deepCopy(tpl.Graph)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidTemplate, "copy %s: %v", tpl.Name, err)
	}

	injected := false
	for _, node := range nodesOf(graph) {
		classType, _ := node["class_type"].(string)
		inputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			continue
		}
		switch classType {
		case nodeLoadVideo:
			if _, ok := inputs["video"]; ok {
				inputs["video"] = inputRef
				injected = true
			}
		case nodeVideoCombine:
			if _, ok := inputs["filename_prefix"]; ok {
				inputs["filename_prefix"] = prefix
			}
		case nodeBatchManager:
			if _, ok := inputs["frames_per_batch"]; ok && framesPerBatch > 0 {
				inputs["frames_per_batch"] = framesPerBatch
			}
		}
	}
	if !injected {
		return nil, errors.Wrapf(ErrInvalidTemplate, "%s has no %s node with a video input", tpl.Name, nodeLoadVideo)
	}
	return graph, nil
}

func nodesOf(graph map[string]interface{}) []map[string]interface{} {
	var nodes []map[string]interface{}
	for _, v := range graph {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := m["class_type"]; ok {
			nodes = append(nodes, m)
		}
	}
	return nodes
}

func deepCopy(graph map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(graph)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

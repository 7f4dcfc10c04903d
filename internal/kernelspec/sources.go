package kernelspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"kernelbridge/internal/config"
)

// kernelJSON mirrors the kernel.json file of a Jupyter kernelspec directory.
// Unknown fields (metadata, kernel_protocol_version, ...) are ignored.
type kernelJSON struct {
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Env           map[string]string `json:"env"`
	InterruptMode string            `json:"interrupt_mode"`
}

// Definition is a kernel described in the kernelbridge YAML configuration,
// e.g. ~/.config/kernelbridge/kernels/python3.yaml.
type Definition struct {
	Name          string            `yaml:"name"`
	DisplayName   string            `yaml:"displayName,omitempty"`
	Language      string            `yaml:"language,omitempty"`
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	InterruptMode string            `yaml:"interruptMode,omitempty"`
}

// Spec converts the definition into a KernelSpec.
func (d Definition) Spec() KernelSpec {
	argv := make([]string, 0, len(d.Args)+1)
	argv = append(argv, d.Command)
	argv = append(argv, d.Args...)
	return KernelSpec{
		Name:          strings.ToLower(d.Name),
		DisplayName:   d.DisplayName,
		Language:      d.Language,
		Argv:          argv,
		Env:           d.Env,
		InterruptMode: InterruptMode(d.InterruptMode),
		Source:        SourceDefinition,
	}
}

func validateDefinition(d Definition) error {
	var errs config.ValidationErrors
	if err := config.ValidateRequired("name", d.Name, "kernel definition"); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	if err := config.ValidateRequired("command", d.Command, "kernel definition"); err != nil {
		errs = append(errs, err.(config.ValidationError))
	}
	if errs.HasErrors() {
		return config.FormatValidationError("kernel definition", d.Name, errs)
	}
	return d.Spec().Validate()
}

// loadDefinitions reads YAML kernel definitions from dirs, later dirs winning.
func loadDefinitions(dirs []string) ([]KernelSpec, *config.ConfigurationErrorCollection, error) {
	defs, errs, err := config.LoadAndParseYAMLFromDirs[Definition](dirs, validateDefinition)
	if err != nil {
		return nil, nil, err
	}
	specs := make([]KernelSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, d.Spec())
	}
	return specs, errs, nil
}

// readKernelJSON loads one kernelspec directory.
func readKernelJSON(dir string) (KernelSpec, error) {
	path := filepath.Join(dir, "kernel.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return KernelSpec{}, err
	}
	var kj kernelJSON
	if err := json.Unmarshal(data, &kj); err != nil {
		return KernelSpec{}, fmt.Errorf("%w: %s: %v", ErrMalformedSpec, path, err)
	}
	spec := KernelSpec{
		Name:          strings.ToLower(filepath.Base(dir)),
		DisplayName:   kj.DisplayName,
		Language:      kj.Language,
		Argv:          kj.Argv,
		Env:           kj.Env,
		InterruptMode: InterruptMode(kj.InterruptMode),
		ResourceDir:   dir,
		Source:        SourceJupyter,
		Origin:        path,
	}
	if err := spec.Validate(); err != nil {
		return KernelSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// loadJupyterSpecs scans <dataDir>/kernels/<name>/kernel.json. dataDirs are in
// priority order, highest first, matching jupyter_client's lookup.
func loadJupyterSpecs(dataDirs []string) ([]KernelSpec, *config.ConfigurationErrorCollection) {
	errs := &config.ConfigurationErrorCollection{}
	seen := make(map[string]bool)
	var specs []KernelSpec

	for _, dataDir := range dataDirs {
		kernelsDir := filepath.Join(dataDir, "kernels")
		entries, err := os.ReadDir(kernelsDir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs.Add(kernelsDir, err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := strings.ToLower(entry.Name())
			if seen[name] {
				continue
			}
			spec, err := readKernelJSON(filepath.Join(kernelsDir, entry.Name()))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				errs.Add(filepath.Join(kernelsDir, entry.Name()), err)
				continue
			}
			seen[name] = true
			specs = append(specs, spec)
		}
	}
	return specs, errs
}

// JupyterDataDirs returns the Jupyter data directories in priority order:
// JUPYTER_PATH entries, the user data dir, then the system dirs.
func JupyterDataDirs() []string {
	var dirs []string
	if jp := os.Getenv("JUPYTER_PATH"); jp != "" {
		for _, d := range filepath.SplitList(jp) {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
	}
	if dd := os.Getenv("JUPYTER_DATA_DIR"); dd != "" {
		dirs = append(dirs, dd)
	} else if home, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "darwin":
			dirs = append(dirs, filepath.Join(home, "Library", "Jupyter"))
		case "windows":
			if appData := os.Getenv("APPDATA"); appData != "" {
				dirs = append(dirs, filepath.Join(appData, "jupyter"))
			}
		default:
			if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
				dirs = append(dirs, filepath.Join(xdg, "jupyter"))
			} else {
				dirs = append(dirs, filepath.Join(home, ".local", "share", "jupyter"))
			}
		}
	}
	if runtime.GOOS == "windows" {
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			dirs = append(dirs, filepath.Join(programData, "jupyter"))
		}
	} else {
		dirs = append(dirs, "/usr/local/share/jupyter", "/usr/share/jupyter")
	}
	return dirs
}

// DefinitionDirs returns the user and project kernels/ directories.
func DefinitionDirs() []string {
	userDir, projectDir, err := config.GetConfigurationPaths()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(userDir, "kernels"), filepath.Join(projectDir, "kernels")}
}

/*
Package config loads flow documents: a stage list plus optional settings,
written in YAML or JSON.

# Document Shape

	flow_id: editor
	settings:
	  deduplicate: true
	  max_dispatches: 500
	  metrics: false
	  tracing: false
	  log_level: debug
	stages:
	  - document
	  - name: selection
	    requires: [document]
	  - name: layout
	    requires: [document, selection]

Only stages is required. Stage order in the document is the declaration
order the graph compiler sees.

# Usage

	cfg, err := config.FromFile("flow.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	defs, err := cfg.Stages()
	settings := cfg.Settings()

Most callers go through stageflow.FromConfig, which compiles the stages
and applies the settings as options.

# Accessors

Config also exposes typed accessors (String, Int, Bool, Section) that
return a default when a key is missing or has the wrong type. YAML
integers (int) and JSON numbers (float64) are both accepted by Int.

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config

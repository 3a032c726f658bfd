package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/rls"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("rls-config - Configuration tool for rls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rls-config convert <input> <output>                          - Convert between formats")
	fmt.Println("  rls-config validate <file>                                   - Validate configuration")
	fmt.Println("  rls-config stats <file>                                      - Show configuration statistics")
	fmt.Println("  rls-config check <file> <tenant> <user> <resource> <action>  - Show the SQL filter a principal gets")
	fmt.Println()
	fmt.Println("Supported formats: .rls, .dsl, .yaml, .yml, .json")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: rls-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rls-config validate <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version:   %d\n", cfg.Version)
	fmt.Printf("  Rules:     %d\n", len(cfg.Rules))
	fmt.Printf("  Org units: %d\n", len(cfg.OrgUnits))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: rls-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Rules:     %d\n", len(cfg.Rules))
	fmt.Printf("  Org units: %d\n", len(cfg.OrgUnits))
	fmt.Println()

	if len(cfg.Rules) > 0 {
		byScope := map[string]int{}
		disabled := 0
		byAction := map[rls.Action]int{}
		for _, r := range cfg.Rules {
			switch {
			case r.UserID != "":
				byScope["user"]++
			case r.OrgUnitID != "":
				byScope["org_unit"]++
			case r.Role != "":
				byScope["role"]++
			default:
				byScope["tenant"]++
			}
			if !r.Enabled {
				disabled++
			}
			for _, a := range r.Actions {
				byAction[a]++
			}
		}
		fmt.Println("Rule Details:")
		fmt.Printf("  User scoped:     %d\n", byScope["user"])
		fmt.Printf("  Org-unit scoped: %d\n", byScope["org_unit"])
		fmt.Printf("  Role scoped:     %d\n", byScope["role"])
		fmt.Printf("  Tenant wide:     %d\n", byScope["tenant"])
		fmt.Printf("  Disabled:        %d\n", disabled)
		for _, a := range rls.ValidActions {
			if byAction[a] > 0 {
				fmt.Printf("  %-8s %d\n", string(a)+":", byAction[a])
			}
		}
		fmt.Println()
	}

	if len(cfg.OrgUnits) > 0 {
		fmt.Println("Org Hierarchy:")
		for _, u := range cfg.OrgUnits {
			if u.Parent != "" {
				fmt.Printf("  %s/%s -> %s\n", u.TenantID, u.ID, u.Parent)
			} else {
				fmt.Printf("  %s/%s (root)\n", u.TenantID, u.ID)
			}
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Cache TTL: %dms\n", cfg.Engine.CacheTTL)
	if cfg.Engine.DefaultAllow != nil {
		fmt.Printf("  Default allow: %v\n", *cfg.Engine.DefaultAllow)
	}
}

func handleCheck() {
	if len(os.Args) < 7 {
		fmt.Println("Usage: rls-config check <file> <tenant> <user> <resource> <action>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	engine := rls.New(rls.NewMemoryRuleStore())
	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	ec := &rls.EvalContext{
		TenantID: os.Args[3],
		UserID:   os.Args[4],
		Resource: os.Args[5],
		Action:   rls.Action(os.Args[6]),
	}
	rules, err := engine.ResolveRules(ctx, ec)
	if err != nil {
		fmt.Printf("Error resolving rules: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Applicable rules: %d\n", len(rules))
	for _, r := range rules {
		fmt.Printf("  [%d] %s: %s\n", r.Priority, r.ID, r.Expression.Expr().String())
	}

	filter, err := engine.CompileSQL(ctx, ec)
	if err != nil {
		fmt.Printf("Filter not compilable to SQL: %v\n", err)
		return
	}
	fmt.Printf("WHERE %s\n", filter.Clause)
	for k, v := range filter.Args {
		fmt.Printf("  :%s = %v\n", k, v)
	}
}

func loadConfig(filename string) (*rls.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".rls", ".dsl":
		parser := rls.NewDSLParser()
		return parser.Parse(data)
	case ".yaml", ".yml":
		loader := rls.NewConfigLoader()
		return loader.LoadYAML(data)
	case ".json":
		loader := rls.NewConfigLoader()
		return loader.LoadJSON(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *rls.Config, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))

	var data []byte
	var err error

	switch ext {
	case ".rls", ".dsl":
		encoder := rls.NewDSLEncoder()
		data, err = encoder.Encode(cfg)
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

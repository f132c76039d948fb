package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/refly-ai/refly/internal/auth"
	"github.com/refly-ai/refly/internal/skill"
)

func newTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for a uid",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "uid",
				Usage:    "Caller uid to embed as the token subject",
				Required: true,
			},
		},
		Action: runToken,
	}
}

func runToken(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.JWTPrivateKeyPath == "" {
		// An ephemeral key signs tokens no running server can verify.
		return fmt.Errorf("token: REFLY_JWT_PRIVATE_KEY must be set")
	}
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	token, expiresAt, err := jwtMgr.IssueToken(cmd.String("uid"))
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func newSkillsCommand() *cli.Command {
	return &cli.Command{
		Name:   "skills",
		Usage:  "List the built-in skills and their inputs",
		Action: runSkills,
	}
}

func runSkills(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := skill.NewBuiltinRegistry(newLogger(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINPUT\tDESCRIPTION")
	for def := range reg.All() {
		tmpl := def.Template()
		fields := make([]string, 0, len(tmpl.Input))
		for _, f := range tmpl.Input {
			name := f.Name
			if f.Required {
				name += "*"
			}
			fields = append(fields, name)
		}
		input := strings.Join(fields, ",")
		if input == "" {
			input = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", tmpl.Name, input, tmpl.Description)
	}
	return w.Flush()
}

package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfinch/mail-server/internal/config"
	"github.com/openfinch/mail-server/internal/directory"
)

// principalView is the printable form of a principal. Secrets are never
// included.
type principalView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Quota       uint64   `json:"quota,omitempty"`
	MemberOf    []string `json:"member_of,omitempty"`
	Emails      []string `json:"emails,omitempty"`
}

func newPrincipalView(p *directory.Principal) principalView {
	v := principalView{
		ID:          p.ID,
		Name:        p.Name,
		Type:        string(p.Type),
		Description: p.Description,
		Quota:       p.Quota,
		MemberOf:    p.MemberOf,
	}
	for _, e := range p.Emails {
		v.Emails = append(v.Emails, e.Address+" ("+e.Kind.String()+")")
	}
	return v
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printList(values []string) error {
	if a.output == "json" {
		if values == nil {
			values = []string{}
		}
		return a.printJSON(values)
	}
	for _, v := range values {
		fmt.Fprintln(a.out, v)
	}
	return nil
}

func (a *app) printBool(key string, value bool) error {
	if a.output == "json" {
		return a.printJSON(map[string]bool{key: value})
	}
	fmt.Fprintln(a.out, value)
	return nil
}

func (a *app) printPrincipal(p *directory.Principal) error {
	v := newPrincipalView(p)
	if a.output == "json" {
		return a.printJSON(v)
	}

	fmt.Fprintf(a.out, "name:        %s\n", v.Name)
	fmt.Fprintf(a.out, "id:          %s\n", v.ID)
	fmt.Fprintf(a.out, "type:        %s\n", v.Type)
	if v.Description != "" {
		fmt.Fprintf(a.out, "description: %s\n", v.Description)
	}
	if v.Quota > 0 {
		fmt.Fprintf(a.out, "quota:       %d\n", v.Quota)
	}
	if len(v.MemberOf) > 0 {
		fmt.Fprintf(a.out, "member-of:   %s\n", strings.Join(v.MemberOf, ", "))
	}
	for _, e := range v.Emails {
		fmt.Fprintf(a.out, "email:       %s\n", e)
	}
	return nil
}

func (a *app) newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "lookup NAME",
		Short:   "Look up a principal by name",
		Example: "maildir lookup jane",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				p, err := svc.Principal(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printPrincipal(p)
			})
		},
	}
}

func (a *app) newAuthCmd() *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "auth NAME",
		Short: "Check credentials",
		Long: "Check a secret against the directory. The secret is read from MAILDIR_SECRET, " +
			"or from the first line of standard input with --stdin.",
		Example: "printf 'janepass\\n' | maildir auth jane --stdin",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin(), fromStdin)
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				p, err := svc.Authenticate(cmd.Context(), args[0], secret)
				if err != nil {
					return err
				}
				if a.output == "json" {
					return a.printJSON(map[string]any{"authenticated": true, "principal": newPrincipalView(p)})
				}
				fmt.Fprintf(a.out, "authenticated %s\n", p.Name)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the secret from standard input")
	return cmd
}

func readSecret(in io.Reader, fromStdin bool) (string, error) {
	if !fromStdin {
		if v := os.Getenv("MAILDIR_SECRET"); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("no secret given, set MAILDIR_SECRET or use --stdin")
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("empty secret")
	}
	return line, nil
}

func (a *app) newEmailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emails NAME",
		Short: "List the addresses of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				emails, err := svc.Emails(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printList(emails)
			})
		},
	}
}

func (a *app) newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify PARTIAL",
		Short: "List primary addresses containing a partial address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				addrs, err := svc.Verify(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printList(addrs)
			})
		},
	}
}

func (a *app) newExpandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expand LIST",
		Short: "List the members of a mailing list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				addrs, err := svc.Expand(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printList(addrs)
			})
		},
	}
}

func (a *app) newDomainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domain DOMAIN",
		Short: "Report whether a domain is local",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				ok, err := svc.IsLocalDomain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printBool("local", ok)
			})
		},
	}
}

func (a *app) newSuperuserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "superuser NAME",
		Short: "Report whether a principal is a superuser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				ok, err := svc.IsSuperuser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printBool("superuser", ok)
			})
		},
	}
}

func (a *app) newRcptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rcpt ADDRESS",
		Short: "Resolve a recipient address",
		Long:  "Resolve a recipient through subaddressing and catch-all rewriting and print the address that matched.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *directory.Service) error {
				addr, err := svc.Recipient(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if a.output == "json" {
					return a.printJSON(map[string]string{"address": addr})
				}
				fmt.Fprintln(a.out, addr)
				return nil
			})
		},
	}
}

func (a *app) newContainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contains DIRECTORY/LOOKUP VALUE",
		Short: "Report whether a named lookup contains a value",
		Long: "Check a value against a lookup list or a sql query or ldap filter " +
			"registered by a directory. Only the named directory is opened.",
		Example: "maildir contains local/blocked spam.example",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _, ok := config.SplitLookupKey(args[0])
			if !ok {
				return directory.NewError("contains", directory.ErrorCategoryConfiguration,
					fmt.Sprintf("lookup %q is not of the form directory/name", args[0]), nil)
			}

			f, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			d, ok := f.Directories[id]
			if !ok {
				return directory.NewError("contains", directory.ErrorCategoryConfiguration,
					fmt.Sprintf("no directory named %q", id), nil)
			}

			p, err := a.open(cmd.Context(), &config.File{Directories: map[string]*config.Directory{id: d}})
			if err != nil {
				return err
			}
			defer p.Close()

			found, err := p.Lookup(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return a.printBool("contains", found)
		},
	}
}

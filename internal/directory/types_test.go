package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortEmails(t *testing.T) {
	emails := []Email{
		{Address: "sales@d", Kind: EmailList},
		{Address: "jd@d", Kind: EmailAlias},
		{Address: "all@d", Kind: EmailList},
		{Address: "jane@d", Kind: EmailPrimary},
		{Address: "doe@d", Kind: EmailAlias},
	}

	SortEmails(emails)

	assert.Equal(t, []Email{
		{Address: "jane@d", Kind: EmailPrimary},
		{Address: "doe@d", Kind: EmailAlias},
		{Address: "jd@d", Kind: EmailAlias},
		{Address: "all@d", Kind: EmailList},
		{Address: "sales@d", Kind: EmailList},
	}, emails)
}

func TestParseType(t *testing.T) {
	tests := map[string]Type{
		"individual":    TypeIndividual,
		"inetOrgPerson": TypeIndividual,
		"Group":         TypeGroup,
		"posixGroup":    TypeGroup,
		"list":          TypeList,
		"superuser":     TypeSuperuser,
		"resource":      TypeResource,
		"location":      TypeLocation,
		"computer":      TypeOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseType(in), in)
	}
}

func TestParseEmailKind(t *testing.T) {
	assert.Equal(t, EmailPrimary, ParseEmailKind("Primary"))
	assert.Equal(t, EmailList, ParseEmailKind("list"))
	assert.Equal(t, EmailAlias, ParseEmailKind("alias"))
	assert.Equal(t, EmailAlias, ParseEmailKind(""))
	assert.Equal(t, "primary", EmailPrimary.String())
	assert.Equal(t, "alias", EmailAlias.String())
	assert.Equal(t, "list", EmailList.String())
}

func TestPrincipalAddresses(t *testing.T) {
	p := &Principal{Emails: []Email{
		{Address: "info@d", Kind: EmailList},
		{Address: "jane@d", Kind: EmailPrimary},
	}}
	assert.Equal(t, "jane@d", p.Primary())
	assert.Equal(t, []string{"jane@d", "info@d"}, p.Addresses())
	assert.Equal(t, EmailList, p.Emails[0].Kind, "Addresses must not reorder the snapshot")

	assert.Empty(t, (&Principal{}).Primary())
}

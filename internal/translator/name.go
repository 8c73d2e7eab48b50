package translator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/store"
	"github.com/sitesync/sitesync/internal/syncapi"
)

var nameTypes = newEnumMap("name type", map[string]domain.NameType{
	"facility": domain.NameTypeFacility,
	"patient":  domain.NameTypePatient,
	"store":    domain.NameTypeStore,
	"build":    domain.NameTypeBuild,
	"invad":    domain.NameTypeInvad,
	"repack":   domain.NameTypeRepack,
	"others":   domain.NameTypeOthers,
})

type legacyName struct {
	ID          string `json:"ID"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Type        string `json:"type"`
	Customer    bool   `json:"customer"`
	Supplier    bool   `json:"supplier"`
	First       string `json:"first"`
	Last        string `json:"last"`
	DateOfBirth string `json:"date_of_birth"`
	CreatedDate string `json:"created_date"`
}

// legacyMerge is the payload of a MERGE record.
type legacyMerge struct {
	MergeIDToKeep   string `json:"mergeIdToKeep"`
	MergeIDToDelete string `json:"mergeIdToDelete"`
}

// nameTranslator syncs names. Besides the plain row mapping it:
//   - keeps a name_link row per name, pointing at itself until merged
//   - applies MERGE records by repointing name_link rows
//   - pushes patients only, each with the name_store_join that makes the
//     patient visible in this site's store
type nameTranslator struct {
	*rowTranslator[legacyName, domain.Name]
}

// NewNameTranslator returns the name translator.
func NewNameTranslator() Translator {
	return &nameTranslator{
		rowTranslator: &rowTranslator[legacyName, domain.Name]{
			table:    LegacyName,
			repo:     store.Names,
			toDomain: nameToDomain,
			toLegacy: nameToLegacy,
			push: func(pc PushContext, n *domain.Name) bool {
				return pc.Role == RoleRemote && n.Type == domain.NameTypePatient
			},
		},
	}
}

func nameToDomain(l *legacyName) (*domain.Name, error) {
	typ, err := nameTypes.in(l.Type)
	if err != nil {
		return nil, err
	}
	dob, err := parseLegacyDate(l.DateOfBirth)
	if err != nil {
		return nil, err
	}
	created, err := parseLegacyDate(l.CreatedDate)
	if err != nil {
		return nil, err
	}
	n := &domain.Name{
		ID:              l.ID,
		Name:            l.Name,
		Code:            l.Code,
		Type:            typ,
		IsCustomer:      l.Customer,
		IsSupplier:      l.Supplier,
		FirstName:       optional(l.First),
		LastName:        optional(l.Last),
		DateOfBirth:     dob,
		CreatedDatetime: created,
	}
	return n, n.Validate()
}

func nameToLegacy(n *domain.Name) *legacyName {
	return &legacyName{
		ID:          n.ID,
		Name:        n.Name,
		Code:        n.Code,
		Type:        nameTypes.out(n.Type),
		Customer:    n.IsCustomer,
		Supplier:    n.IsSupplier,
		First:       fromOptional(n.FirstName),
		Last:        fromOptional(n.LastName),
		DateOfBirth: formatLegacyDate(n.DateOfBirth),
		CreatedDate: formatLegacyDate(n.CreatedDatetime),
	}
}

func (t *nameTranslator) TryTranslateFromUpsert(ctx context.Context, tx *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	result, err := t.rowTranslator.TryTranslateFromUpsert(ctx, tx, rec)
	if err != nil {
		return result, err
	}

	// A merged-away name keeps its existing link.
	link, err := store.NameLinks.FindOneByID(ctx, tx, rec.RecordID)
	if err != nil {
		return PullResult{}, err
	}
	if link == nil {
		result.Operations = append(result.Operations,
			Upsert(store.NameLinks, &domain.NameLink{ID: rec.RecordID, NameID: rec.RecordID}))
	}
	return result, nil
}

// TryTranslateFromMerge points every link of the merged-away name, and the
// name's own link, at the kept name. The merged-away name row stays so
// historical references still resolve.
func (t *nameTranslator) TryTranslateFromMerge(ctx context.Context, tx *store.Tx, rec *store.BufferRecord) (PullResult, error) {
	var m legacyMerge
	if err := decode(rec, &m); err != nil {
		return PullResult{}, err
	}
	if m.MergeIDToKeep == "" || m.MergeIDToDelete == "" {
		return PullResult{}, fmt.Errorf("name merge requires mergeIdToKeep and mergeIdToDelete")
	}
	if m.MergeIDToKeep == m.MergeIDToDelete {
		return Ignored("name merged into itself"), nil
	}

	kept, err := store.Names.FindOneByID(ctx, tx, m.MergeIDToKeep)
	if err != nil {
		return PullResult{}, err
	}
	if kept == nil {
		return PullResult{}, fmt.Errorf("merge target name %s does not exist", m.MergeIDToKeep)
	}

	links, err := store.NameLinks.FindWhere(ctx, tx, "name_id = ?", m.MergeIDToDelete)
	if err != nil {
		return PullResult{}, err
	}

	ops := []IntegrationOperation{
		Upsert(store.NameLinks, &domain.NameLink{ID: m.MergeIDToDelete, NameID: m.MergeIDToKeep}),
	}
	for _, l := range links {
		if l.ID == m.MergeIDToDelete {
			continue
		}
		ops = append(ops, Upsert(store.NameLinks, &domain.NameLink{ID: l.ID, NameID: m.MergeIDToKeep}))
	}
	return UpsertResult(ops...), nil
}

// TryTranslateToUpsert fans a patient out into its name record and the
// name_store_join for the pushing site's store.
func (t *nameTranslator) TryTranslateToUpsert(ctx context.Context, tx *store.Tx, pc PushContext, entry store.ChangelogEntry) ([]syncapi.Record, error) {
	records, err := t.rowTranslator.TryTranslateToUpsert(ctx, tx, pc, entry)
	if err != nil || len(records) == 0 || pc.StoreID == "" {
		return records, err
	}

	joins, err := store.NameStoreJoins.FindWhere(ctx, tx, "name_id = ? AND store_id = ?", entry.RecordID, pc.StoreID)
	if err != nil {
		return nil, err
	}
	join := &domain.NameStoreJoin{
		ID:             PatientJoinID(entry.RecordID, pc.StoreID),
		NameID:         entry.RecordID,
		StoreID:        pc.StoreID,
		NameIsCustomer: true,
	}
	if len(joins) > 0 {
		join = joins[0]
	}

	rec, err := wireRecord(LegacyNameStoreJoin, join.ID, syncapi.ActionUpdate, nameStoreJoinToLegacy(join))
	if err != nil {
		return nil, err
	}
	return append(records, rec), nil
}

// PatientJoinID derives a stable name_store_join id for a patient that has
// no join row yet, so repeated pushes send the same record.
func PatientJoinID(nameID, storeID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(nameID+"/"+storeID)).String()
}

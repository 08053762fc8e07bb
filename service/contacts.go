package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/store"
)

// MaxNotesLen bounds contact notes.
const MaxNotesLen = 512

// ContactInput carries the editable fields of a contact.
type ContactInput struct {
	Name    string
	Address string
	Notes   string
}

func (s *Service) validContact(in ContactInput) (ContactInput, error) {
	name, err := validName("name", in.Name)
	if err != nil {
		return in, err
	}

	if !s.chain.IsValidAddress(in.Address) {
		return in, apperr.Invalid("address", "not a valid address")
	}

	if len(in.Notes) > MaxNotesLen {
		return in, apperr.Invalid("notes", "too long")
	}

	return ContactInput{Name: name, Address: strings.ToLower(in.Address), Notes: in.Notes}, nil
}

func contactErr(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return apperr.New(apperr.Conflict, "a contact with this address already exists")
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFoundf("contact not found")
	}

	return err
}

// CreateContact adds an address book entry for the user.
func (s *Service) CreateContact(ctx context.Context, userID string, in ContactInput) (*store.Contact, error) {
	in, err := s.validContact(in)
	if err != nil {
		return nil, err
	}

	c := &store.Contact{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      in.Name,
		Address:   in.Address,
		Notes:     in.Notes,
		CreatedAt: s.now().UTC(),
	}

	if err = s.db.CreateContact(ctx, c); err != nil {
		return nil, contactErr(err)
	}

	return c, nil
}

// ListContacts returns the address book of the user.
func (s *Service) ListContacts(ctx context.Context, userID string) ([]store.Contact, error) {
	return s.db.ListContacts(ctx, userID)
}

func (s *Service) ownedContact(ctx context.Context, userID, id string) (*store.Contact, error) {
	c, err := s.db.GetContact(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && c.UserID != userID) {
		return nil, apperr.NotFoundf("contact not found")
	}

	return c, err
}

// UpdateContact replaces the fields of a contact of the user.
func (s *Service) UpdateContact(ctx context.Context, userID, id string, in ContactInput) (*store.Contact, error) {
	c, err := s.ownedContact(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if in, err = s.validContact(in); err != nil {
		return nil, err
	}

	c.Name, c.Address, c.Notes = in.Name, in.Address, in.Notes

	if err = s.db.UpdateContact(ctx, c); err != nil {
		return nil, contactErr(err)
	}

	return c, nil
}

// DeleteContact removes a contact of the user.
func (s *Service) DeleteContact(ctx context.Context, userID, id string) error {
	if _, err := s.ownedContact(ctx, userID, id); err != nil {
		return err
	}

	return contactErr(s.db.DeleteContact(ctx, id))
}

// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/unclebandit/miasma-console/internal/config"
	"github.com/unclebandit/miasma-console/internal/db"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/repository"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

var demoCampaigns = []model.Campaign{
	{
		Name:            "Jane Doe - people search sweep",
		Description:     strPtr("Five profiles on every default site"),
		TargetFirstName: "Jane",
		TargetLastName:  "Doe",
		TargetCity:      strPtr("Austin"),
		TargetState:     strPtr("TX"),
		TargetAge:       intPtr(34),
		TargetSites:     []string{},
		TargetCount:     5,
	},
	{
		Name:            "John Smith - radaris only",
		TargetFirstName: "John",
		TargetLastName:  "Smith",
		TargetState:     strPtr("WA"),
		TargetAge:       intPtr(52),
		TargetSites:     []string{"radaris"},
		TargetCount:     20,
	},
	{
		Name:            "Maria Garcia - pilot",
		Description:     strPtr("Small run to take a baseline against"),
		TargetFirstName: "Maria",
		TargetLastName:  "Garcia",
		TargetSites:     []string{"fastpeoplesearch", "thatsthem"},
		TargetCount:     3,
	},
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal(err)
	}

	repo := &repository.CampaignRepository{DB: conn}
	for i := range demoCampaigns {
		c := demoCampaigns[i]
		if err := repo.Create(ctx, &c); err != nil {
			log.Fatalf("failed to seed %q: %v", c.Name, err)
		}
		fmt.Printf("Seeded campaign %d: %s\n", c.ID, c.Name)
	}

	fmt.Println("Database seeding completed successfully!")
}

// Migration script to hash plain text passwords of users imported from other systems
// cmd/migrate-passwords/main.go
package main

import (
	"flag"
	"log"

	"proposal-submission-api/config"
	"proposal-submission-api/models"
	"proposal-submission-api/utils"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dryRun := flag.Bool("dry-run", false, "report the users whose password would be hashed")
	flag.Parse()

	// Initialize database
	config.InitDB()

	// Get all users
	var users []models.User
	if err := config.DB.Where("delete_at IS NULL").Find(&users).Error; err != nil {
		log.Fatal("Failed to fetch users:", err)
	}

	var hashed, failed int
	for _, user := range users {
		if utils.IsPasswordHash(user.Password) {
			continue
		}
		if *dryRun {
			log.Printf("User %s has a plain text password\n", user.Username)
			hashed++
			continue
		}

		hashedPassword, err := utils.HashPassword(user.Password)
		if err != nil {
			log.Printf("Failed to hash password for user %s: %v\n", user.Username, err)
			failed++
			continue
		}

		if err := config.DB.Model(&user).Update("password", hashedPassword).Error; err != nil {
			log.Printf("Failed to update password for user %s: %v\n", user.Username, err)
			failed++
			continue
		}
		hashed++
	}

	log.Printf("Password migration completed: %d hashed, %d failed, %d users\n", hashed, failed, len(users))
}

package controllers

import (
	"fmt"
	"time"

	"github.com/LukasMendel/PayFox/app/models"
	"github.com/LukasMendel/PayFox/internal/pkg/database"
	"github.com/LukasMendel/PayFox/internal/pkg/session"
	"github.com/LukasMendel/PayFox/internal/pkg/usercontext"
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"
)

func HandleAuthLogin(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodPost {
		return c.Render("login", fiber.Map{
			"Page":  "login",
			"Flash": flash.Get(c),
		}, "layouts/main")
	}

	fm := fiber.Map{"type": "error"}

	var user models.User
	result := database.GetDB().Where("email = ?", c.FormValue("email")).First(&user)
	if result.Error != nil {
		fm["message"] = "There is a problem with the login process"
		return flash.WithError(c, fm).Redirect("/login")
	}

	if !models.CheckPasswordHash(c.FormValue("password"), user.Password) {
		fm["message"] = "There is a problem with the login process"
		return flash.WithError(c, fm).Redirect("/login")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		fm["message"] = fmt.Sprintf("something went wrong: %s", err)
		return flash.WithError(c, fm).Redirect("/login")
	}

	sess.Set(usercontext.AuthKey, true)
	sess.Set(usercontext.KeyUserID, user.ID)
	sess.Set(usercontext.KeyUsername, user.Name)
	sess.Set(usercontext.KeyUserEmail, user.Email)
	sess.Set(usercontext.KeyIsAdmin, user.Role == models.ROLE_ADMIN)

	if err := sess.Save(); err != nil {
		fm["message"] = fmt.Sprintf("something went wrong: %s", err)
		return flash.WithError(c, fm).Redirect("/login")
	}

	database.GetDB().Model(&user).Update("last_login_at", time.Now())

	fm = fiber.Map{"type": "success", "message": "Welcome back!"}
	return flash.WithSuccess(c, fm).Redirect("/dashboard")
}

func HandleAuthRegister(c *fiber.Ctx) error {
	if c.Method() != fiber.MethodPost {
		return c.Render("register", fiber.Map{
			"Page":  "register",
			"Flash": flash.Get(c),
		}, "layouts/main")
	}

	fm := fiber.Map{"type": "error"}

	user, err := models.CreateUser(c.FormValue("name"), c.FormValue("email"), c.FormValue("password"))
	if err != nil {
		fm["message"] = "Please check your input and try again"
		return flash.WithError(c, fm).Redirect("/register")
	}
	if err := user.Validate(); err != nil {
		fm["message"] = "Please check your input and try again"
		return flash.WithError(c, fm).Redirect("/register")
	}

	if err := database.GetDB().Create(user).Error; err != nil {
		fm["message"] = "This email address is already registered"
		return flash.WithError(c, fm).Redirect("/register")
	}

	fm = fiber.Map{"type": "success", "message": "Account created, you can log in now."}
	return flash.WithSuccess(c, fm).Redirect("/login")
}

func HandleAuthLogout(c *fiber.Ctx) error {
	fm := fiber.Map{"type": "error"}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		fm["message"] = "logged out (no sess)"
		return flash.WithError(c, fm).Redirect("/login")
	}

	if err := sess.Destroy(); err != nil {
		fm["message"] = fmt.Sprintf("something went wrong: %s", err)
		return flash.WithError(c, fm).Redirect("/login")
	}

	fm = fiber.Map{"type": "success", "message": "Bye bye!"}
	return flash.WithSuccess(c, fm).Redirect("/login")
}
